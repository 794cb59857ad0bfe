package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"streamq/internal/dummy"
)

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run internal dummy streaming backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		httpPort, _ := cmd.Flags().GetInt("port")
		grpcPort, _ := cmd.Flags().GetInt("grpc-port")
		delay, _ := cmd.Flags().GetDuration("delay")

		logger, err := newLogger(true)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("👻 Dummy backend on http://localhost:%d and grpc localhost:%d\n", httpPort, grpcPort)
		fmt.Println("   HTTP: /stream, /error   WebSocket: /ws   gRPC: any method (*TTS*, *Talk*, else recognition)")
		return dummy.New(dummy.ServerConfig{
			HTTPPort: httpPort,
			GRPCPort: grpcPort,
			Delay:    delay,
			Logger:   logger,
		}).Start(ctx)
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "Port for HTTP and WebSocket")
	dummyCmd.Flags().Int("grpc-port", 50051, "Port for gRPC")
	dummyCmd.Flags().Duration("delay", 50*time.Millisecond, "Mean pause between chunks")
}
