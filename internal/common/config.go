package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName  string
	HTTPPort     int
	MetricsPort  int
	DatabaseURL  string
	OTLPEndpoint string

	KafkaBrokers         []string
	DispatchRequestTopic string
	DispatchResultTopic  string
	SMSEventsTopic       string

	SMS         SMSConfig
	Dispatch    DispatchConfig
	Quota       QuotaConfig
	SalesRecord SalesRecordConfig
}

// SMSConfig holds provider settings. Credentials may be empty here; the
// dispatcher reports them as a configuration error on use.
type SMSConfig struct {
	APIURL             string
	APIToken           string
	APITokenParam      string
	SenderID           string
	MessageBody        string
	ReferenceNamespace string
	ReferenceVersion   string
	Timeout            time.Duration
}

type DispatchConfig struct {
	BatchSize        int
	Concurrency      int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	InFlightTTL      time.Duration
}

type QuotaConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Limit         int
	Window        time.Duration
}

// SalesRecordConfig names the table the dispatcher reads phone numbers from.
type SalesRecordConfig struct {
	Table       string
	IDColumn    string
	PhoneColumn string
}

const defaultMessageBody = "Thank you for your purchase. Your sales paperwork is ready; please contact us if you have any questions."

func LoadConfig(service string) (*Config, error) {
	cfg := &Config{ServiceName: service}
	var errs []error

	cfg.HTTPPort = getEnvInt("HTTP_PORT", 8080, &errs)
	cfg.MetricsPort = getEnvInt("METRICS_PORT", cfg.HTTPPort+1000, &errs)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.DispatchRequestTopic = getEnv("DISPATCH_REQUEST_TOPIC", "sms.dispatch.requests")
	cfg.DispatchResultTopic = getEnv("DISPATCH_RESULT_TOPIC", "sms.dispatch.results")
	cfg.SMSEventsTopic = getEnv("SMS_EVENTS_TOPIC", "sms.events")

	cfg.SMS = SMSConfig{
		APIURL:             os.Getenv("SMS_API_URL"),
		APIToken:           os.Getenv("SMS_API_TOKEN"),
		APITokenParam:      os.Getenv("SMS_API_TOKEN_PARAM"),
		SenderID:           getEnv("SMS_SENDER_ID", "SalesPortal"),
		MessageBody:        getEnv("SMS_MESSAGE_BODY", defaultMessageBody),
		ReferenceNamespace: getEnv("SMS_REFERENCE_NAMESPACE", "salesportal"),
		ReferenceVersion:   getEnv("SMS_REFERENCE_VERSION", "v1"),
		Timeout:            getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second, &errs),
	}

	cfg.Dispatch = DispatchConfig{
		BatchSize:        getEnvInt("DISPATCH_BATCH_SIZE", 20, &errs),
		Concurrency:      getEnvInt("DISPATCH_CONCURRENCY", 3, &errs),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3, &errs),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond, &errs),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 10*time.Second, &errs),
		InFlightTTL:      getEnvDuration("INFLIGHT_TTL", 10*time.Minute, &errs),
	}

	cfg.Quota = QuotaConfig{
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0, &errs),
		Limit:         getEnvInt("QUOTA_LIMIT", 10, &errs),
		Window:        getEnvDuration("QUOTA_WINDOW", time.Hour, &errs),
	}

	cfg.SalesRecord = SalesRecordConfig{
		Table:       getEnv("SALES_TABLE", "sales_records"),
		IDColumn:    getEnv("SALES_ID_COLUMN", "id"),
		PhoneColumn: getEnv("SALES_PHONE_COLUMN", "customer_phone"),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks tuning values. Provider credentials are deliberately not
// checked here.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be > 0"))
	}
	if c.Dispatch.Concurrency <= 0 {
		errs = append(errs, errors.New("DISPATCH_CONCURRENCY must be > 0"))
	}
	if c.Dispatch.RetryMaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be > 0"))
	}
	if c.Dispatch.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be > 0"))
	}
	if c.Quota.Limit <= 0 {
		errs = append(errs, errors.New("QUOTA_LIMIT must be > 0"))
	}
	if c.Quota.Window <= 0 {
		errs = append(errs, errors.New("QUOTA_WINDOW must be > 0"))
	}
	if strings.TrimSpace(c.SMS.MessageBody) == "" {
		errs = append(errs, errors.New("SMS_MESSAGE_BODY must not be blank"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid value for %s: %w", key, err))
			return fallback
		}
		return parsed
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	if v := os.Getenv(key); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid value for %s: %w", key, err))
			return fallback
		}
		return parsed
	}
	return fallback
}
