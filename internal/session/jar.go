package session

import (
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// cookiesKey is the storage key the jar persists under.
const cookiesKey = "session.cookies"

// KV is the subset of the storage layer the jar persists through.
// *storage.Store satisfies it.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// storedCookie is the persisted form of one cookie, keyed by the URL it
// was set against so it can be replayed into a fresh jar on startup.
type storedCookie struct {
	URL      string    `json:"url"`
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Path     string    `json:"path,omitempty"`
	Domain   string    `json:"domain,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// Jar is a persistent http.CookieJar. Cookies survive process restarts so
// an existing backend session is reusable without re-login.
type Jar struct {
	mu      sync.Mutex
	inner   http.CookieJar
	kv      KV
	records map[string]storedCookie // keyed by url + "\x00" + name
}

// NewJar loads previously persisted cookies from kv. Corrupt or missing
// persisted data yields an empty jar, never an error.
func NewJar(kv KV) (*Jar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}

	j := &Jar{inner: inner, kv: kv, records: map[string]storedCookie{}}

	raw, err := kv.Get(cookiesKey)
	if err != nil {
		return j, nil
	}
	var stored []storedCookie
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return j, nil
	}

	now := time.Now()
	for _, sc := range stored {
		if !sc.Expires.IsZero() && sc.Expires.Before(now) {
			continue
		}
		u, err := url.Parse(sc.URL)
		if err != nil {
			continue
		}
		j.records[sc.URL+"\x00"+sc.Name] = sc
		inner.SetCookies(u, []*http.Cookie{cookieFromStored(sc)})
	}
	return j, nil
}

// SetCookies implements http.CookieJar and persists the jar contents.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.inner.SetCookies(u, cookies)

	base := (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
	for _, c := range cookies {
		key := base + "\x00" + c.Name
		if c.MaxAge < 0 || (c.MaxAge == 0 && !c.Expires.IsZero() && c.Expires.Before(time.Now())) {
			delete(j.records, key)
			continue
		}
		expires := c.Expires
		if c.MaxAge > 0 {
			expires = time.Now().Add(time.Duration(c.MaxAge) * time.Second)
		}
		j.records[key] = storedCookie{
			URL:      base,
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
	}

	j.persistLocked()
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.inner.Cookies(u)
}

// Clear drops every cookie, in memory and persisted.
func (j *Jar) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	j.inner = inner
	j.records = map[string]storedCookie{}
	return j.kv.Delete(cookiesKey)
}

// persistLocked writes the current records. Persistence failures are
// swallowed; the in-memory jar remains authoritative for this process.
func (j *Jar) persistLocked() {
	stored := make([]storedCookie, 0, len(j.records))
	for _, sc := range j.records {
		stored = append(stored, sc)
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return
	}
	j.kv.Set(cookiesKey, string(raw))
}

func cookieFromStored(sc storedCookie) *http.Cookie {
	return &http.Cookie{
		Name:     sc.Name,
		Value:    sc.Value,
		Path:     sc.Path,
		Domain:   sc.Domain,
		Expires:  sc.Expires,
		Secure:   sc.Secure,
		HttpOnly: sc.HTTPOnly,
	}
}
