package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/evpay/internal/logger"
	"github.com/nkiryanov/evpay/internal/service/ledger"
)

const (
	defaultListenAddr        = "localhost:8000"
	defaultLoggingLevel      = logger.LevelInfo
	defaultEnvironment       = logger.EnvProduction
	defaultPublicURL         = "http://localhost:8000"
	defaultKafkaTopic        = "evpay.events"
	defaultReconcileInterval = 30 * time.Second
	defaultProviderRPS       = 10
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the evpay service will be run
	ListenAddr string

	// Address users and providers reach the service at. Provider callback urls are built from it
	PublicURL string

	// Database to connect to
	// Orders and wallets are kept in memory if empty, only good for local runs
	DatabaseDSN string

	// Secret key shared with the auth service to verify user access tokens
	SecretKey string

	// Environment
	Environment string

	// Wallets
	WalletCurrency        string
	WalletStartingBalance decimal.Decimal

	// Payment providers. Provider is enabled when its url is set
	CreditCardURL     string
	CreditCardKey     string
	LinePayURL        string
	LinePayChannelID  string
	LinePaySecret     string
	EasyCardURL       string
	EasyCardMerchant  string
	EasyCardSecret    string
	ProviderRPS       float64
	ReconcileInterval time.Duration

	// Optional infrastructure: notification dedupe and lifecycle event stream
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string
}

func NewConfig() *Config {
	return &Config{
		LogLevel:              defaultLoggingLevel,
		ListenAddr:            defaultListenAddr,
		PublicURL:             defaultPublicURL,
		Environment:           defaultEnvironment,
		WalletCurrency:        ledger.DefaultCurrency,
		WalletStartingBalance: decimal.Zero,
		ProviderRPS:           defaultProviderRPS,
		ReconcileInterval:     defaultReconcileInterval,
		KafkaTopic:            defaultKafkaTopic,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDecimal := func(o *decimal.Decimal) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = decimal.NewFromString(value)
			}
			return err
		}
	}
	setFloat := func(o *float64) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = strconv.ParseFloat(value, 64)
			}
			return err
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = time.ParseDuration(value)
			}
			return err
		}
	}
	setList := func(o *[]string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = strings.Split(value, ",")
			}
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":             setString(&c.ListenAddr),
		"PUBLIC_URL":              setString(&c.PublicURL),
		"DATABASE_URI":            setString(&c.DatabaseDSN),
		"SECRET_KEY":              setString(&c.SecretKey),
		"LOG_LEVEL":               setString(&c.LogLevel),
		"ENVIRONMENT":             setString(&c.Environment),
		"WALLET_CURRENCY":         setString(&c.WalletCurrency),
		"WALLET_STARTING_BALANCE": setDecimal(&c.WalletStartingBalance),
		"CREDITCARD_URL":          setString(&c.CreditCardURL),
		"CREDITCARD_KEY":          setString(&c.CreditCardKey),
		"LINEPAY_URL":             setString(&c.LinePayURL),
		"LINEPAY_CHANNEL_ID":      setString(&c.LinePayChannelID),
		"LINEPAY_SECRET":          setString(&c.LinePaySecret),
		"EASYCARD_URL":            setString(&c.EasyCardURL),
		"EASYCARD_MERCHANT_ID":    setString(&c.EasyCardMerchant),
		"EASYCARD_SECRET":         setString(&c.EasyCardSecret),
		"PROVIDER_RPS":            setFloat(&c.ProviderRPS),
		"RECONCILE_INTERVAL":      setDuration(&c.ReconcileInterval),
		"REDIS_ADDR":              setString(&c.RedisAddr),
		"KAFKA_BROKERS":           setList(&c.KafkaBrokers),
		"KAFKA_TOPIC":             setString(&c.KafkaTopic),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

// Secrets are not accepted as flags except the main key, they would be visible in the process list
func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("evpay", pflag.ContinueOnError)

	startingBalance := c.WalletStartingBalance.String()

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.PublicURL, "public-url", "u", c.PublicURL, "Public base url for provider callbacks")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.SecretKey, "secret-key", "s", c.SecretKey, "Secret key")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.WalletCurrency, "currency", c.WalletCurrency, "Wallet currency")
	fs.StringVar(&startingBalance, "starting-balance", startingBalance, "Balance of new wallets")
	fs.StringVar(&c.CreditCardURL, "creditcard-url", c.CreditCardURL, "Credit card gateway url")
	fs.StringVar(&c.LinePayURL, "linepay-url", c.LinePayURL, "LINE Pay api url")
	fs.StringVar(&c.EasyCardURL, "easycard-url", c.EasyCardURL, "EasyCard api url")
	fs.Float64Var(&c.ProviderRPS, "provider-rps", c.ProviderRPS, "Requests per second to one provider, 0 is unlimited")
	fs.DurationVar(&c.ReconcileInterval, "reconcile-interval", c.ReconcileInterval, "How often pending orders are checked with providers")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for notification dedupe")
	fs.StringSliceVar(&c.KafkaBrokers, "kafka-brokers", c.KafkaBrokers, "Kafka brokers for lifecycle events")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", c.KafkaTopic, "Kafka topic for lifecycle events")

	if err := fs.Parse(args); err != nil {
		return err
	}

	balance, err := decimal.NewFromString(startingBalance)
	if err != nil {
		return fmt.Errorf("invalid starting balance: %w", err)
	}
	c.WalletStartingBalance = balance

	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.SecretKey == "" {
		errs = append(errs, errors.New("secret key is required"))
	}
	if len(c.WalletCurrency) != 3 {
		errs = append(errs, fmt.Errorf("currency must be 3 letter code, got %q", c.WalletCurrency))
	}
	if c.WalletStartingBalance.IsNegative() {
		errs = append(errs, errors.New("starting balance must not be negative"))
	}
	if c.ProviderRPS < 0 {
		errs = append(errs, errors.New("provider rps must not be negative"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("reconcile interval must be positive"))
	}
	if (c.LinePayURL != "" || c.EasyCardURL != "") && c.PublicURL == "" {
		errs = append(errs, errors.New("public url is required for redirect payments"))
	}

	return errors.Join(errs...)
}
