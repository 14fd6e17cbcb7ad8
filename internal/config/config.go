package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the agent process needs.
// All values come from env (or an env-file loaded by the process runner).
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	ICE       ICEConfig
	Signaling SignalingConfig
	Media     MediaConfig
}

type AppConfig struct {
	Env  string
	Port int

	// ActorID is the identity this agent signals as.
	ActorID string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

type SignalingConfig struct {
	OfferWaitAttempts int
	OfferWaitInterval time.Duration
}

// MediaConfig lists the capture devices present on this host.
type MediaConfig struct {
	Audio bool
	Video bool
}

var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.ActorID = strings.TrimSpace(os.Getenv("ACTOR_ID"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))

	c.ICE.STUNURLs = splitList(os.Getenv("STUN_URLS"))
	c.ICE.TURNURLs = splitList(os.Getenv("TURN_URLS"))
	c.ICE.TURNUsername = strings.TrimSpace(os.Getenv("TURN_USERNAME"))
	c.ICE.TURNCredential = strings.TrimSpace(os.Getenv("TURN_CREDENTIAL"))

	if v := strings.TrimSpace(os.Getenv("OFFER_WAIT_ATTEMPTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("OFFER_WAIT_ATTEMPTS must be an integer, got %q", v))
		}
		c.Signaling.OfferWaitAttempts = n
	}

	// Duration env vars are optional; defaults applied in Validate().
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JWT_ACCESS_TTL", &c.Auth.AccessTokenTTL},
		{"JWT_REFRESH_TTL", &c.Auth.RefreshTokenTTL},
		{"ICE_DISCONNECTED_TIMEOUT", &c.ICE.DisconnectedTimeout},
		{"ICE_FAILED_TIMEOUT", &c.ICE.FailedTimeout},
		{"OFFER_WAIT_INTERVAL", &c.Signaling.OfferWaitInterval},
	}
	for _, d := range durations {
		v, err := optionalDuration(d.key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*d.dst = v
	}

	if devices, ok := os.LookupEnv("MEDIA_DEVICES"); ok {
		media, err := parseDevices(devices)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Media = media
	} else {
		c.Media = MediaConfig{Audio: true, Video: true}
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks c and fills in defaults for optional values.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.ActorID == "" {
		errs = append(errs, errors.New("ACTOR_ID is required"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// production must be explicit
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if len(c.ICE.STUNURLs) == 0 {
		c.ICE.STUNURLs = append([]string(nil), DefaultSTUNURLs...)
	}
	if err := validateURLs("STUN_URLS", c.ICE.STUNURLs, "stun:", "stuns:"); err != nil {
		errs = append(errs, err)
	}
	if len(c.ICE.TURNURLs) > 0 {
		if err := validateURLs("TURN_URLS", c.ICE.TURNURLs, "turn:", "turns:"); err != nil {
			errs = append(errs, err)
		}
		if c.ICE.TURNUsername == "" || c.ICE.TURNCredential == "" {
			errs = append(errs, errors.New("TURN_USERNAME and TURN_CREDENTIAL must both be set when TURN_URLS is set"))
		}
	}
	if c.ICE.DisconnectedTimeout <= 0 {
		c.ICE.DisconnectedTimeout = 5 * time.Second
	}
	if c.ICE.FailedTimeout <= 0 {
		c.ICE.FailedTimeout = 25 * time.Second
	}
	if c.ICE.FailedTimeout < c.ICE.DisconnectedTimeout {
		errs = append(errs, errors.New("ICE_FAILED_TIMEOUT must not be shorter than ICE_DISCONNECTED_TIMEOUT"))
	}

	if c.Signaling.OfferWaitAttempts < 0 {
		errs = append(errs, fmt.Errorf("OFFER_WAIT_ATTEMPTS must not be negative, got %d", c.Signaling.OfferWaitAttempts))
	} else if c.Signaling.OfferWaitAttempts == 0 {
		c.Signaling.OfferWaitAttempts = 10
	}
	if c.Signaling.OfferWaitInterval <= 0 {
		c.Signaling.OfferWaitInterval = 300 * time.Millisecond
	}

	if !c.Media.Audio {
		errs = append(errs, errors.New("MEDIA_DEVICES must include audio"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalDuration returns 0 when key is unset.
func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func splitList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDevices(v string) (MediaConfig, error) {
	var m MediaConfig
	for _, d := range splitList(strings.ToLower(v)) {
		switch d {
		case "audio":
			m.Audio = true
		case "video":
			m.Video = true
		default:
			return MediaConfig{}, fmt.Errorf("MEDIA_DEVICES entries must be audio or video, got %q", d)
		}
	}
	return m, nil
}

func validateURLs(key string, urls []string, schemes ...string) error {
	for _, u := range urls {
		ok := false
		for _, s := range schemes {
			if strings.HasPrefix(u, s) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s: unsupported url scheme %q", key, u)
		}
	}
	return nil
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
