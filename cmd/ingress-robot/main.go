package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/gothack/ingress-robot/pkg/challenge"
	"github.com/gothack/ingress-robot/pkg/config"
	"github.com/gothack/ingress-robot/pkg/controller"
	"github.com/gothack/ingress-robot/pkg/secret"
)

var (
	configPath string
	kubeconfig string
	listenAddr string

	rootCmd = &cobra.Command{
		Use:   "ingress-robot",
		Short: "Self-hosted nginx ingress controller",
		Long: `ingress-robot watches services for nginx-ingress.* annotations, builds a
routing model from them, obtains TLS certificates via ACME HTTP-01, renders an
nginx configuration and reloads the proxy gracefully. Certificates, account
material and rendered configs are kept as versioned cluster secrets.`,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the ingress controller",
		RunE:  runController,
	}

	challengeCmd = &cobra.Command{
		Use:   "challenge",
		Short: "Run the ACME HTTP-01 challenge responder",
		RunE:  runChallenge,
	}

	checkConfigCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE:  runCheckConfig,
	}
)

func main() {
	klog.InitFlags(nil)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/ingress-robot/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig file (for local development)")
	challengeCmd.Flags().StringVar(&listenAddr, "listen", ":8080", "Challenge responder listen address")
	rootCmd.AddCommand(runCmd, challengeCmd, checkConfigCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runController(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// A broken config must never produce a silently degraded
		// controller.
		return fmt.Errorf("failed to load config: %w", err)
	}
	klog.Infof("Starting ingress-robot, ACME directory %s, secret prefix %q", cfg.ACME.DirectoryURL, cfg.SecretPrefix)

	client, err := buildClient(kubeconfig)
	if err != nil {
		return err
	}

	ctrl, err := controller.New(cfg, client)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := ctrl.Run(ctx); err != nil {
		klog.Errorf("Controller error: %v", err)
	}
	return nil
}

func runChallenge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	client, err := buildClient(kubeconfig)
	if err != nil {
		return err
	}
	store := secret.NewKubeStore(client.CoreV1().Secrets(cfg.SecretNamespace), cfg.SecretNamespace, cfg.SecretPrefix)

	ctx, cancel := signalContext()
	defer cancel()

	return challenge.NewServer(store, listenAddr).Run(ctx)
}

func runCheckConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	fmt.Printf("config %s is valid (ACME account %s)\n", configPath, cfg.ACME.Email)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		klog.Infof("Received signal %v, shutting down", sig)
		cancel()
	}()

	return ctx, cancel
}

// buildClient creates a clientset from kubeconfig or in-cluster config.
func buildClient(kubeconfigPath string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error
	if kubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build REST config: %w", err)
	}
	return kubernetes.NewForConfig(restConfig)
}
