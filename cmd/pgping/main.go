// pgping performs a PostgreSQL startup handshake against a server and
// reports whether authentication succeeded. It is a smoke-test tool for
// credentials, SSL settings and mechanism policies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/gatewayd-io/pgstartup"
	"github.com/gatewayd-io/pgstartup/auth"
	"github.com/gatewayd-io/pgstartup/client"
)

var (
	address      = flag.String("address", "", "Server address, host:port or a unix socket path (default 127.0.0.1:5432)")
	username     = flag.String("user", "", "Username to authenticate as")
	password     = flag.String("password", "", "Password, falls back to the PGPASSWORD environment variable")
	database     = flag.String("database", "", "Database to request, server defaults to the username")
	appName      = flag.String("application-name", "", "application_name startup parameter (default pgping)")
	profileName  = flag.String("profile", "", "Named connection profile to load")
	profilesFile = flag.String("profiles-file", "", "YAML file with connection profiles")
	sslMode      = flag.String("sslmode", "", "SSL mode: disable, prefer, require or verify-full (default prefer)")
	timeout      = flag.Duration("timeout", 15*time.Second, "Overall handshake timeout")
	casbinModel  = flag.String("casbin-model", "", "Casbin model file restricting authentication mechanisms")
	casbinPolicy = flag.String("casbin-policy", "", "Casbin policy file restricting authentication mechanisms")
	logLevel     = flag.String("log-level", "info", "Log level")
	jsonLogs     = flag.Bool("json", false, "Log in JSON format")
)

// settings holds the flag and profile values after merging. Flags win
// over the profile, the profile wins over built-in defaults.
type settings struct {
	client  client.Config
	options pgstartup.Options
	creds   auth.Credentials
	profile *client.ConnectionProfile
	model   string
	policy  string
}

func main() {
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "pgping",
		Level:      hclog.LevelFromString(*logLevel),
		Output:     os.Stderr,
		JSONFormat: *jsonLogs,
		Color:      hclog.ColorOff,
	})

	cfg, err := resolve()
	if err != nil {
		logger.Error("Failed to resolve connection settings", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Startup handshake failed", "error", err)
		os.Exit(1)
	}
}

func resolve() (*settings, error) {
	profile := &client.ConnectionProfile{}
	if *profileName != "" {
		if *profilesFile == "" {
			return nil, errors.New("-profiles-file is required with -profile")
		}
		store, err := client.NewProfileStore(*profilesFile)
		if err != nil {
			return nil, fmt.Errorf("loading profiles: %w", err)
		}
		profile, err = store.Lookup(*profileName)
		if err != nil {
			return nil, err
		}
	}

	user := firstNonEmpty(*username, profile.Username)
	if user == "" {
		return nil, errors.New("a username is required, pass -user or use a profile")
	}

	cfg := client.DefaultConfig()
	cfg.Address = firstNonEmpty(*address, profile.Address, cfg.Address)
	cfg.SSLMode = firstNonEmpty(*sslMode, profile.SSLMode, cfg.SSLMode)

	return &settings{
		client: cfg,
		options: pgstartup.Options{
			ApplicationName: firstNonEmpty(*appName, profile.ApplicationName, "pgping"),
			Username:        user,
			Database:        firstNonEmpty(*database, profile.Database),
		},
		creds: auth.Credentials{
			Username: user,
			Password: firstNonEmpty(*password, profile.Password, os.Getenv("PGPASSWORD")),
		},
		profile: profile,
		model:   firstNonEmpty(*casbinModel, profile.CasbinModelPath),
		policy:  firstNonEmpty(*casbinPolicy, profile.CasbinPolicyPath),
	}, nil
}

func run(ctx context.Context, logger hclog.Logger, cfg *settings) error {
	conn, err := client.Dial(ctx, cfg.client, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	selector, err := buildSelector(logger, cfg)
	if err != nil {
		return err
	}

	cfg.options.Logger = logger
	flow, err := pgstartup.Exchange(ctx, cfg.options, selector, conn)
	if err != nil {
		return err
	}
	defer flow.Close()

	var serverErr *pgproto3.ErrorResponse
	for flow.Next(ctx) {
		switch msg := flow.Message().(type) {
		case *pgproto3.ParameterStatus:
			logger.Debug("Server parameter", "name", msg.Name, "value", msg.Value)
		case *pgproto3.BackendKeyData:
			logger.Debug("Backend key data", "process_id", msg.ProcessID)
		case *pgproto3.NoticeResponse:
			logger.Info("Server notice", "severity", msg.Severity, "message", msg.Message)
		case *pgproto3.NegotiateProtocolVersion:
			logger.Warn("Server negotiated an older protocol version",
				"newest_supported", msg.NewestVersion,
				"unrecognized_options", msg.UnrecognizedOptions)
		case *pgproto3.ErrorResponse:
			serverErr = msg
		case *pgproto3.ReadyForQuery:
			logger.Debug("Server is ready for queries", "tx_status", string(msg.TxStatus))
		}
	}
	if err := flow.Err(); err != nil {
		return err
	}
	if serverErr != nil {
		return fmt.Errorf("server rejected the startup: %s (%s)", serverErr.Message, serverErr.Code)
	}
	if !flow.Authenticated() {
		return errors.New("conversation ended before authentication completed")
	}

	params := conn.ServerParameters()
	logger.Info("Authentication succeeded",
		"address", cfg.client.Address,
		"user", cfg.options.Username,
		"server_version", params["server_version"],
		"encoding", params["client_encoding"])
	return nil
}

// buildSelector assembles the handler chain: credentials at the core,
// wrapped by the profile's mechanism allow-list and the Casbin policy
// when configured.
func buildSelector(logger hclog.Logger, cfg *settings) (auth.Selector, error) {
	selector := auth.Selector(auth.NewCredentialSelector(cfg.creds))

	if len(cfg.profile.AllowedMechanisms) > 0 {
		selector = cfg.profile.MechanismSelector(selector)
	}

	policy, err := auth.NewMechanismPolicy(cfg.model, cfg.policy, logger)
	if err != nil {
		return nil, fmt.Errorf("loading mechanism policy: %w", err)
	}
	if policy != nil {
		selector = auth.NewPolicySelector(selector, policy, cfg.creds.Username)
	}
	return selector, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
