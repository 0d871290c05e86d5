package temporalx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

const namespaceEnsureTimeout = 10 * time.Second

// NewClient dials Temporal, retrying with backoff for up to cfg.DialMaxWait. It returns
// a nil client when cfg has no address.
func NewClient(ctx context.Context, log *logger.Logger, cfg Config) (temporalsdkclient.Client, error) {
	if log == nil {
		log = logger.Nop()
	}
	if !cfg.Enabled() {
		log.Info("TEMPORAL_ADDRESS not set; using the polling worker")
		return nil, nil
	}
	opts, err := connOptions(cfg, log, true)
	if err != nil {
		return nil, err
	}

	var c temporalsdkclient.Client
	giveUp := time.Now().Add(cfg.DialMaxWait)
	err = retry(ctx, cfg, log, "dial", func(int) (bool, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		var dialErr error
		c, dialErr = temporalsdkclient.DialContext(dialCtx, opts)
		if dialErr == nil {
			return true, nil
		}
		if cfg.DialMaxWait <= 0 || time.Now().After(giveUp) {
			return true, fmt.Errorf("temporal dial %s/%s: %w", cfg.Address, cfg.Namespace, dialErr)
		}
		return false, dialErr
	})
	if err != nil {
		return nil, err
	}
	log.Info("Connected to Temporal", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)

	if cfg.AutoRegisterNamespace {
		if err := EnsureNamespace(ctx, cfg, log); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// EnsureNamespace registers cfg.Namespace when it does not exist yet. Meant for local and
// self-hosted clusters; hosted namespaces are provisioned out of band.
func EnsureNamespace(ctx context.Context, cfg Config, log *logger.Logger) error {
	if !cfg.Enabled() || cfg.Namespace == "" {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithTimeout(ctx, namespaceEnsureTimeout)
	defer cancel()

	// no namespace header: this client must work before the namespace exists
	opts, err := connOptions(cfg, log, false)
	if err != nil {
		return err
	}
	ns, err := temporalsdkclient.NewNamespaceClient(opts)
	if err != nil {
		return fmt.Errorf("temporal namespace client: %w", err)
	}
	defer ns.Close()

	return retry(ctx, cfg, log, "namespace", func(int) (bool, error) {
		err := registerIfMissing(ctx, ns, cfg)
		if err == nil {
			return true, nil
		}
		if !isRetryableRPC(err) {
			return true, fmt.Errorf("temporal namespace %s: %w", cfg.Namespace, err)
		}
		return false, err
	})
}

func registerIfMissing(ctx context.Context, ns temporalsdkclient.NamespaceClient, cfg Config) error {
	_, err := ns.Describe(ctx, cfg.Namespace)
	var missing *serviceerror.NamespaceNotFound
	if !errors.As(err, &missing) {
		return err
	}
	err = ns.Register(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        cfg.Namespace,
		Description:                      "threadline chat jobs",
		WorkflowExecutionRetentionPeriod: durationpb.New(cfg.NamespaceRetention),
	})
	var exists *serviceerror.NamespaceAlreadyExists
	if errors.As(err, &exists) {
		return nil
	}
	return err
}

func connOptions(cfg Config, log *logger.Logger, scoped bool) (temporalsdkclient.Options, error) {
	opts := temporalsdkclient.Options{HostPort: cfg.Address, Logger: log}
	if scoped {
		opts.Namespace = cfg.Namespace
	}
	if cfg.hasTLS() {
		tlsCfg, err := loadTLSConfig(cfg)
		if err != nil {
			return opts, err
		}
		opts.ConnectionOptions.TLS = tlsCfg
	}
	return opts, nil
}
