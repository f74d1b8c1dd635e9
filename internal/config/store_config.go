package config

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

type StoreConfig interface {
	GetStoreDriver() string
	GetStorePath() string
	GetStorePassphrase() string
}

type StoreSettings struct {
	Driver     string `yaml:"driver" env:"STORE_DRIVER" env-default:"file"`
	Path       string `yaml:"path" env:"STORE_PATH" env-default:"./data/credentials.json"`
	Passphrase string `yaml:"-" env:"STORE_PASSPHRASE"`
}

func (s *Settings) GetStoreDriver() string {
	return s.Store.Driver
}

func (s *Settings) GetStorePath() string {
	return s.Store.Path
}

// GetStorePassphrase is empty when the file store is written unsealed.
func (s *Settings) GetStorePassphrase() string {
	return s.Store.Passphrase
}
