package config

import (
	"log"
	"sync"

	"github.com/caarlos0/env/v6"
)

// Config is the environment configuration of the smime command. Flags given on the command
// line win over these values.
type Config struct {
	Certificate string `env:"SMIME_CERT"`       // PEM or DER signer certificate
	PrivateKey  string `env:"SMIME_KEY"`        // PEM private key, or a .p12/.pfx bundle
	Passphrase  string `env:"SMIME_KEY_PASSPHRASE,file"`
	ExtraCerts  string `env:"SMIME_EXTRA_CERTS"` // PEM bundle of intermediates

	Digest string `env:"SMIME_DIGEST" envDefault:"sha256"`
	Engine string `env:"SMIME_ENGINE" envDefault:"native"` // native or openssl

	OpenSSLBinary string `env:"SMIME_OPENSSL_BINARY" envDefault:"openssl"`
	TempDir       string `env:"SMIME_TEMP_DIR"`

	LogLevel  string `env:"SMIME_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"SMIME_LOG_FORMAT" envDefault:"text"` // text or json

	DKIMDomain     string `env:"SMIME_DKIM_DOMAIN"` // defaults to the domain of the From address
	DKIMSelector   string `env:"SMIME_DKIM_SELECTOR"`
	DKIMPrivateKey string `env:"SMIME_DKIM_PRIVATE_KEY_FILE"`

	MetricsPushURL string `env:"SMIME_METRICS_PUSH_URL"`
	MetricsJob     string `env:"SMIME_METRICS_JOB" envDefault:"smime"`
}

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		var err error
		cfg, err = Parse()
		if err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}

// Parse reads the configuration from the environment without caching it.
func Parse() (Config, error) {
	c := Config{}
	err := env.Parse(&c)
	return c, err
}
