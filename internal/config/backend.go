package config

// ConfigBackend abstracts the platform-native configuration store.
type ConfigBackend interface {
	GetString(key string) (string, bool, error)
	GetInt(key string) (int, bool, error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
