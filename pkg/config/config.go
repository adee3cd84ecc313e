package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config agrupa la configuración del proceso (lectura vía Viper desde env y opcionalmente archivo).
type Config struct {
	App    AppConfig
	Log    LogConfig
	DB     DBConfig
	HTTP   HTTPConfig
	Fiscal FiscalConfig
	MinIO  MinIOConfig
	Redis  RedisConfig
}

// AppConfig configuración general de la aplicación.
type AppConfig struct {
	Env  string `validate:"oneof=development staging production test"`
	Name string `validate:"required"`
}

// LogConfig nivel de log (debug, info, warn, error).
type LogConfig struct {
	Level string `validate:"oneof=trace debug info warn error"`
}

// DBConfig configuración de PostgreSQL.
// Si DatabaseURL no está vacío, se usa como connection string completo.
type DBConfig struct {
	DatabaseURL string
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	MaxConns    int32 `validate:"gte=1"`
}

// ConnectionString devuelve el DSN a usar: DATABASE_URL si está definido, si no el construido con DSN().
func (c DBConfig) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.DSN()
}

// DSN connection string con la contraseña escapada.
func (c DBConfig) DSN() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// HTTPConfig configuración del servidor de operación.
type HTTPConfig struct {
	Enabled   bool
	Host      string
	Port      int    `validate:"gte=1,lte=65535"`
	JWTSecret string `validate:"required_if=Enabled true"`
	JWTIssuer string
}

// Addr devuelve la dirección de escucha (host:port).
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FiscalConfig emisor, credencial y motor de envío.
type FiscalConfig struct {
	Environment        string `validate:"oneof=TEST PROD"`
	PKCS12Path         string
	PKCS12Passphrase   string
	Store              string `validate:"oneof=postgres memory"`
	Archive            string `validate:"oneof=postgres minio"`
	Workers            int    `validate:"gte=1"`
	BackoffBase        time.Duration `validate:"gt=0"`
	BackoffMax         time.Duration `validate:"gtefield=BackoffBase"`
	RequestTimeout     time.Duration `validate:"gt=0"`
	AttemptsCap        int           `validate:"gte=1"`
	Lease              time.Duration `validate:"gtfield=RequestTimeout"`
	ShutdownGrace      time.Duration `validate:"gte=0"`
	PollInterval       time.Duration `validate:"gt=0"`
	RateLimitRPS       float64       `validate:"gte=0"`
	FinalConsumerLimit string        `validate:"required,numeric"`
	StaleAfter         time.Duration `validate:"gt=0"`

	Issuer    IssuerConfig
	Endpoints EndpointsConfig
}

// IssuerConfig identidad del emisor.
type IssuerConfig struct {
	TaxID                string `validate:"required,len=13,numeric"`
	LegalName            string `validate:"required"`
	CommercialName       string
	Address              string `validate:"required"`
	EstablishmentAddress string
	AccountingRequired   bool
	SpecialTaxpayer      string
	Establishment        string `validate:"len=3,numeric"`
	EmissionPoint        string `validate:"len=3,numeric"`
}

// EndpointsConfig URLs de los web services del SRI.
type EndpointsConfig struct {
	ReceiveTest   string `validate:"required,url"`
	ReceiveProd   string `validate:"required,url"`
	AuthorizeTest string `validate:"required,url"`
	AuthorizeProd string `validate:"required,url"`
}

// MinIOConfig almacenamiento de objetos para el archivo.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// RedisConfig canal de invalidación del catálogo; Addr vacío lo desactiva.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// URLs públicas de los web services offline del SRI.
const (
	defaultReceiveTest   = "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline"
	defaultAuthorizeTest = "https://celcer.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline"
	defaultReceiveProd   = "https://cel.sri.gob.ec/comprobantes-electronicos-ws/RecepcionComprobantesOffline"
	defaultAuthorizeProd = "https://cel.sri.gob.ec/comprobantes-electronicos-ws/AutorizacionComprobantesOffline"
)

// Load lee la configuración desde variables de entorno (y opcionalmente desde archivo).
// Las env vars tienen prioridad. Nombres esperados: APP_ENV, DB_HOST, FISCAL_WORKERS, etc.
func Load() (*Config, error) {
	v := viper.New()

	// Opcional: archivo de configuración (.env o config.env)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:  getString(v, "APP_ENV", "development"),
			Name: getString(v, "APP_NAME", "fiscal-sri"),
		},
		Log: LogConfig{
			Level: strings.ToLower(getString(v, "LOG_LEVEL", "info")),
		},
		DB: DBConfig{
			DatabaseURL: getString(v, "DATABASE_URL", ""),
			Host:        getString(v, "DB_HOST", "localhost"),
			Port:        getInt(v, "DB_PORT", 5432),
			User:        getString(v, "DB_USER", "postgres"),
			Password:    getString(v, "DB_PASSWORD", ""),
			DBName:      getString(v, "DB_NAME", "fiscal_sri"),
			SSLMode:     getString(v, "DB_SSLMODE", "disable"),
			MaxConns:    int32(getInt(v, "DB_MAX_CONNS", 25)),
		},
		HTTP: HTTPConfig{
			Enabled:   getBool(v, "HTTP_ENABLED", false),
			Host:      getString(v, "HTTP_HOST", "0.0.0.0"),
			Port:      getInt(v, "HTTP_PORT", 8080),
			JWTSecret: getString(v, "JWT_SECRET", ""),
			JWTIssuer: getString(v, "JWT_ISSUER", "fiscal-sri"),
		},
		Fiscal: FiscalConfig{
			Environment:        strings.ToUpper(getString(v, "FISCAL_ENVIRONMENT", "TEST")),
			PKCS12Path:         getString(v, "FISCAL_PKCS12_PATH", ""),
			PKCS12Passphrase:   getString(v, "FISCAL_PKCS12_PASSPHRASE", ""),
			Store:              getString(v, "FISCAL_STORE", "postgres"),
			Archive:            getString(v, "FISCAL_ARCHIVE", "postgres"),
			Workers:            getInt(v, "FISCAL_WORKERS", 4),
			BackoffBase:        getMillis(v, "FISCAL_BACKOFF_BASE_MS", 5000),
			BackoffMax:         getMillis(v, "FISCAL_BACKOFF_MAX_MS", 600000),
			RequestTimeout:     getMillis(v, "FISCAL_REQUEST_TIMEOUT_MS", 30000),
			AttemptsCap:        getInt(v, "FISCAL_ATTEMPTS_CAP", 20),
			Lease:              getMillis(v, "FISCAL_LEASE_MS", 120000),
			ShutdownGrace:      getMillis(v, "FISCAL_SHUTDOWN_MS", 15000),
			PollInterval:       getMillis(v, "FISCAL_POLL_INTERVAL_MS", 1000),
			RateLimitRPS:       getFloat(v, "FISCAL_RATE_LIMIT_RPS", 5),
			FinalConsumerLimit: getString(v, "FISCAL_FINAL_CONSUMER_LIMIT", "50.00"),
			StaleAfter:         getMillis(v, "FISCAL_STALE_AFTER_MS", 6*3600*1000),
			Issuer: IssuerConfig{
				TaxID:                getString(v, "FISCAL_ISSUER_TAX_ID", ""),
				LegalName:            getString(v, "FISCAL_ISSUER_LEGAL_NAME", ""),
				CommercialName:       getString(v, "FISCAL_ISSUER_COMMERCIAL_NAME", ""),
				Address:              getString(v, "FISCAL_ISSUER_ADDRESS", ""),
				EstablishmentAddress: getString(v, "FISCAL_ISSUER_ESTABLISHMENT_ADDRESS", ""),
				AccountingRequired:   getBool(v, "FISCAL_ISSUER_ACCOUNTING_REQUIRED", false),
				SpecialTaxpayer:      getString(v, "FISCAL_ISSUER_SPECIAL_TAXPAYER", ""),
				Establishment:        getString(v, "FISCAL_ISSUER_ESTABLISHMENT", "001"),
				EmissionPoint:        getString(v, "FISCAL_ISSUER_EMISSION_POINT", "001"),
			},
			Endpoints: EndpointsConfig{
				ReceiveTest:   getString(v, "FISCAL_RECEIVE_URL_TEST", defaultReceiveTest),
				ReceiveProd:   getString(v, "FISCAL_RECEIVE_URL_PROD", defaultReceiveProd),
				AuthorizeTest: getString(v, "FISCAL_AUTHORIZE_URL_TEST", defaultAuthorizeTest),
				AuthorizeProd: getString(v, "FISCAL_AUTHORIZE_URL_PROD", defaultAuthorizeProd),
			},
		},
		MinIO: MinIOConfig{
			Endpoint:  getString(v, "MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getString(v, "MINIO_ACCESS_KEY", ""),
			SecretKey: getString(v, "MINIO_SECRET_KEY", ""),
			Bucket:    getString(v, "MINIO_BUCKET", "comprobantes"),
			UseSSL:    getBool(v, "MINIO_USE_SSL", false),
		},
		Redis: RedisConfig{
			Addr:     getString(v, "REDIS_ADDR", ""),
			Password: getString(v, "REDIS_PASSWORD", ""),
			DB:       getInt(v, "REDIS_DB", 0),
			Channel:  getString(v, "REDIS_CHANNEL", "fiscal:tax-catalog"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate aplica las reglas de las etiquetas validate.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("configuración inválida: %w", err)
	}
	if c.Fiscal.Archive == "minio" && (c.MinIO.Endpoint == "" || c.MinIO.Bucket == "") {
		return fmt.Errorf("configuración inválida: FISCAL_ARCHIVE=minio requiere MINIO_ENDPOINT y MINIO_BUCKET")
	}
	return nil
}

// String nunca imprime secretos.
func (c Config) String() string {
	return fmt.Sprintf("Config{env=%s fiscal=%s store=%s archive=%s workers=%d db=%s:%d/%s pkcs12=%q passphrase=[REDACTED]}",
		c.App.Env, c.Fiscal.Environment, c.Fiscal.Store, c.Fiscal.Archive, c.Fiscal.Workers,
		c.DB.Host, c.DB.Port, c.DB.DBName, c.Fiscal.PKCS12Path)
}

// GoString igual que String para %#v.
func (c Config) GoString() string { return c.String() }

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case int:
			return v.GetInt(key)
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
			if err != nil {
				return def
			}
			return n
		default:
			return v.GetInt(key)
		}
	}
	return def
}

func getBool(v *viper.Viper, key string, def bool) bool {
	if v.IsSet(key) {
		return v.GetBool(key)
	}
	return def
}

func getFloat(v *viper.Viper, key string, def float64) float64 {
	if v.IsSet(key) {
		return v.GetFloat64(key)
	}
	return def
}

func getMillis(v *viper.Viper, key string, def int) time.Duration {
	return time.Duration(getInt(v, key, def)) * time.Millisecond
}
