package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Storage struct {
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL string `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	// OIDC describe el broker de identidad externo (MitID/NemID).
	OIDC struct {
		ClientID              string `yaml:"client_id"`
		ClientSecret          string `yaml:"client_secret"`
		AuthorizationEndpoint string `yaml:"authorization_endpoint"`
		TokenEndpoint         string `yaml:"token_endpoint"`
		JWKSEndpoint          string `yaml:"jwks_endpoint"`
		LogoutEndpoint        string `yaml:"logout_endpoint"`
		Issuer                string `yaml:"issuer"`
		Language              string `yaml:"language"`

		// URLs públicas absolutas de los callbacks de este gateway.
		LoginCallbackURL string `yaml:"login_callback_url"`
		SSNCallbackURL   string `yaml:"ssn_callback_url"`

		// Timeout por llamada al broker (token fetch / logout).
		RequestTimeout string `yaml:"request_timeout"`
		JWKSCacheTTL   string `yaml:"jwks_cache_ttl"`
	} `yaml:"oidc"`

	Auth struct {
		// TTL de la sesión interna y del state firmado del flujo.
		TokenTTL string   `yaml:"token_ttl"`
		StateTTL string   `yaml:"state_ttl"`
		Scopes   []string `yaml:"scopes"`

		Cookie struct {
			Name     string `yaml:"name"`
			Domain   string `yaml:"domain"`
			Path     string `yaml:"path"`
			SameSite string `yaml:"samesite"`
			Secure   bool   `yaml:"secure"`
		} `yaml:"cookie"`
	} `yaml:"auth"`

	Security struct {
		// base64(32 bytes). De acá se derivan todas las claves internas.
		MasterSecret string `yaml:"master_secret"`
	} `yaml:"security"`

	// Datasync es el servicio downstream que recibe la notificación de
	// relaciones al completar un login. Best-effort.
	Datasync struct {
		BaseURL             string `yaml:"base_url"`
		CreateRelationsPath string `yaml:"create_relations_path"`
		Retries             int    `yaml:"retries"`
		RequestTimeout      string `yaml:"request_timeout"`
	} `yaml:"datasync"`

	Flags struct {
		Migrate bool `yaml:"migrate"`
	} `yaml:"flags"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == "" {
		c.Cache.Memory.DefaultTTL = "2m"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "authgate"
	}
	if c.OIDC.RequestTimeout == "" {
		c.OIDC.RequestTimeout = "10s"
	}
	if c.OIDC.JWKSCacheTTL == "" {
		c.OIDC.JWKSCacheTTL = "1h"
	}
	if c.OIDC.Language == "" {
		c.OIDC.Language = "en"
	}
	if c.Auth.TokenTTL == "" {
		c.Auth.TokenTTL = "24h"
	}
	if c.Auth.StateTTL == "" {
		c.Auth.StateTTL = "15m"
	}
	if len(c.Auth.Scopes) == 0 {
		c.Auth.Scopes = []string{"meteringpoints.read", "measurements.read"}
	}
	if c.Auth.Cookie.Name == "" {
		c.Auth.Cookie.Name = "Authorization"
	}
	if c.Auth.Cookie.Path == "" {
		c.Auth.Cookie.Path = "/"
	}
	if c.Auth.Cookie.SameSite == "" {
		c.Auth.Cookie.SameSite = "Strict"
	}
	if c.Datasync.CreateRelationsPath == "" {
		c.Datasync.CreateRelationsPath = "/relations/create"
	}
	if c.Datasync.Retries == 0 {
		c.Datasync.Retries = 3
	}
	if c.Datasync.RequestTimeout == "" {
		c.Datasync.RequestTimeout = "5s"
	}
}

// applyEnvOverrides pisa valores del YAML con variables de entorno.
// Sólo se exponen los knobs que cambian entre despliegues.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("AUTHGATE_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("AUTHGATE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("AUTHGATE_PG_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvStr("AUTHGATE_CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("AUTHGATE_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("AUTHGATE_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("AUTHGATE_OIDC_CLIENT_ID"); ok {
		c.OIDC.ClientID = v
	}
	if v, ok := getEnvStr("AUTHGATE_OIDC_CLIENT_SECRET"); ok {
		c.OIDC.ClientSecret = v
	}
	if v, ok := getEnvStr("AUTHGATE_MASTER_SECRET"); ok {
		c.Security.MasterSecret = v
	}
	if v, ok := getEnvStr("AUTHGATE_DATASYNC_BASE_URL"); ok {
		c.Datasync.BaseURL = v
	}
	if v, ok := getEnvBool("AUTHGATE_MIGRATE"); ok {
		c.Flags.Migrate = v
	}
}

func (c *Config) Validate() error {
	for name, d := range map[string]string{
		"storage.postgres.conn_max_lifetime": c.Storage.Postgres.ConnMaxLifetime,
		"cache.memory.default_ttl":           c.Cache.Memory.DefaultTTL,
		"oidc.request_timeout":               c.OIDC.RequestTimeout,
		"oidc.jwks_cache_ttl":                c.OIDC.JWKSCacheTTL,
		"auth.token_ttl":                     c.Auth.TokenTTL,
		"auth.state_ttl":                     c.Auth.StateTTL,
		"datasync.request_timeout":           c.Datasync.RequestTimeout,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}

	switch strings.ToLower(c.Cache.Kind) {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: cache.kind inválido: %q", c.Cache.Kind)
	}

	return nil
}

// Duration parsea un string de duración ya validado por Validate.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getEnvBool(key string) (bool, bool) {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return false, false
	}
	return v == "1" || v == "true" || v == "yes", true
}
