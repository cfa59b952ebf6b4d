package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/cluster"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/directory"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/rpc"
)

func invokeCmd() *cobra.Command {
	var (
		service     string
		strategy    string
		loadBalance string
		providers   []string
		attachments map[string]string
	)

	cmd := &cobra.Command{
		Use:   "invoke <method> [json-arg...]",
		Short: "Invoke a method on a provider cluster",
		Long: `Invoke a method through the configured cluster strategy. Arguments that are
not valid JSON are sent as strings. Providers come from --provider flags, the
config file or the registry, in that order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("service") {
				cfg.Consumer.Service = service
			}
			if cmd.Flags().Changed("cluster") {
				cfg.Consumer.Cluster = strategy
			}
			if cmd.Flags().Changed("loadbalance") {
				cfg.Consumer.LoadBalance = loadBalance
			}
			if cmd.Flags().Changed("provider") {
				cfg.Consumer.Providers = providers
			}
			if cfg.Consumer.Service == "" {
				return fmt.Errorf("service is required (--service or consumer.service)")
			}

			shutdown, err := setupObservability(cfg, "quasar-consumer")
			if err != nil {
				return err
			}
			defer shutdown()

			st, err := cluster.New(cfg.Consumer.Cluster)
			if err != nil {
				return err
			}
			inv, err := buildInvocation(args[0], args[1:], attachments)
			if err != nil {
				return err
			}

			ctx := context.Background()
			mux := remote.NewMux(cfg.Consumer.Timeout)
			defer mux.Close()
			limiter, closeLimiter := newLimiter(cfg)
			defer closeLimiter()

			dir, closeDir, err := buildDirectory(ctx, cfg, mux, providerFilters(cfg, limiter))
			if err != nil {
				return err
			}
			defer closeDir()

			invoker := cluster.NewInvoker(dir, st, cluster.WithLoadBalance(cfg.Consumer.LoadBalance))
			cc := &rpc.CallContext{}
			callCtx, cancel := context.WithTimeout(rpc.WithCallContext(ctx, cc), callTimeout(cfg, st))
			defer cancel()

			res, err := invoker.Invoke(callCtx, inv)
			if err != nil {
				return fmt.Errorf("invoke %s.%s: %w", cfg.Consumer.Service, inv.Method, err)
			}
			return printResult(res, cc)
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Service name")
	cmd.Flags().StringVar(&strategy, "cluster", cluster.StrategyBroadcast, fmt.Sprintf("Cluster strategy %v", cluster.Names()))
	cmd.Flags().StringVar(&loadBalance, "loadbalance", "", "Load balancer (random, roundrobin, leastactive)")
	cmd.Flags().StringSliceVar(&providers, "provider", nil, "Static provider URL (repeatable)")
	cmd.Flags().StringToStringVar(&attachments, "attach", nil, "Invocation attachment key=value (repeatable)")

	return cmd
}

// buildDirectory resolves providers from the static list or the registry.
// The returned func closes the directory and the registry.
func buildDirectory(ctx context.Context, cfg *config.Config, protocol rpc.Protocol, wrap directory.Wrapper) (directory.Directory, func(), error) {
	if len(cfg.Consumer.Providers) > 0 {
		urls, err := staticURLs(cfg)
		if err != nil {
			return nil, nil, err
		}
		dir, err := directory.NewURLDirectory(cfg.Consumer.Service, protocol, urls, wrap)
		if err != nil {
			return nil, nil, err
		}
		return dir, func() { dir.Close() }, nil
	}

	reg, err := openRegistry(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if reg == nil {
		return nil, nil, fmt.Errorf("no providers configured and registry is disabled")
	}
	dir, err := directory.NewRegistryDirectory(ctx, cfg.Consumer.Service, reg, protocol, directory.WithWrapper(wrap))
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	return dir, func() {
		dir.Close()
		reg.Close()
	}, nil
}

// staticURLs parses the configured providers, defaulting their service and
// retries parameters.
func staticURLs(cfg *config.Config) ([]*rpc.URL, error) {
	urls := make([]*rpc.URL, 0, len(cfg.Consumer.Providers))
	for _, raw := range cfg.Consumer.Providers {
		u, err := rpc.ParseURL(raw)
		if err != nil {
			return nil, err
		}
		if u.Service == "" {
			u.Service = cfg.Consumer.Service
		}
		if u.Param(rpc.ParamRetries) == "" {
			u = u.WithParam(rpc.ParamRetries, strconv.Itoa(cfg.Consumer.Retries))
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func buildInvocation(method string, args []string, attachments map[string]string) (*rpc.Invocation, error) {
	inv := &rpc.Invocation{
		Method:      method,
		Arguments:   make([]json.RawMessage, 0, len(args)),
		Attachments: make(map[string]string, len(attachments)),
	}
	for _, a := range args {
		if json.Valid([]byte(a)) {
			inv.Arguments = append(inv.Arguments, json.RawMessage(a))
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		inv.Arguments = append(inv.Arguments, b)
	}
	for k, v := range attachments {
		inv.Attachments[k] = v
	}
	return inv, nil
}

// callTimeout bounds the whole invocation. Broadcast and failover may call
// several providers, each bounded by the per-call timeout.
func callTimeout(cfg *config.Config, st cluster.Strategy) time.Duration {
	t := cfg.Consumer.Timeout
	if t <= 0 {
		t = 30 * time.Second
	}
	switch st.Name() {
	case cluster.StrategyBroadcast:
		if n := len(cfg.Consumer.Providers); n > 1 {
			return t * time.Duration(n)
		}
		return t * 4
	case cluster.StrategyFailover:
		return t * time.Duration(cfg.Consumer.Retries+1)
	}
	return t
}

func printResult(res *rpc.Result, cc *rpc.CallContext) error {
	called := make([]string, 0, len(cc.Invokers()))
	for _, iv := range cc.Invokers() {
		called = append(called, iv.URL().String())
	}
	out := struct {
		Value       json.RawMessage   `json:"value,omitempty"`
		Attachments map[string]string `json:"attachments,omitempty"`
		Providers   []string          `json:"providers"`
	}{res.Value, res.Attachments, called}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
