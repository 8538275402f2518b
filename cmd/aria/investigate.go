package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ariastack/aria-engine/internal/api"
	"github.com/ariastack/aria-engine/internal/config"
	"github.com/ariastack/aria-engine/internal/models"
	"github.com/ariastack/aria-engine/internal/services"
	"github.com/ariastack/aria-engine/internal/stream"
	"github.com/ariastack/aria-engine/internal/utils"
)

type investigateOptions struct {
	alertPath string
	demo      bool
	grpcAddr  string
}

func newInvestigateCmd(configPath *string) *cobra.Command {
	var opts investigateOptions
	cmd := &cobra.Command{
		Use:   "investigate",
		Short: "Run one investigation and print its events as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInvestigate(cmd, *configPath, opts)
		},
	}
	cmd.Flags().StringVar(&opts.alertPath, "alert", "", "alert JSON file, or - for stdin")
	cmd.Flags().BoolVar(&opts.demo, "demo", false, "use the built-in payment-svc demo alert")
	cmd.Flags().StringVar(&opts.grpcAddr, "grpc", "", "stream from a running server at this gRPC address instead of running locally")
	cmd.MarkFlagsMutuallyExclusive("alert", "demo")
	return cmd
}

func runInvestigate(cmd *cobra.Command, configPath string, opts investigateOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := utils.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.JSON)

	alert, err := readAlert(cmd.InOrStdin(), opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sink := stream.NewLineSink(cmd.OutOrStdout())

	if opts.grpcAddr != "" {
		conn, err := grpc.NewClient(opts.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial %s: %w", opts.grpcAddr, err)
		}
		defer conn.Close()
		return api.InvestigateRemote(ctx, conn, alert, sink.Emit)
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	_, err = rt.service.Investigate(ctx, alert, sink.Emit)
	return err
}

func readAlert(stdin io.Reader, opts investigateOptions) (models.Alert, error) {
	if opts.demo {
		return services.DemoAlert(time.Now()), nil
	}
	var data []byte
	var err error
	switch opts.alertPath {
	case "":
		return models.Alert{}, errors.New("either --alert or --demo is required")
	case "-":
		data, err = io.ReadAll(stdin)
	default:
		data, err = os.ReadFile(opts.alertPath)
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("read alert: %w", err)
	}
	return services.DecodeAlert(data)
}
