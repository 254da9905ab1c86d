package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newUpdateCmd() *cobra.Command {
	var (
		provider      string
		force         bool
		pretty        bool
		encrypt       string
		encryptionKey string
	)

	cmd := &cobra.Command{
		Use:   "update [path]",
		Short: "Re-index only the files that changed since the last index",
		Long: `Update an existing index incrementally.

Files are re-chunked only if their content hash changed since the last
run; chunks for files that no longer exist (or are now excluded) are
dropped. Use --force to discard the incremental state and rebuild from
scratch, which is also required after switching embedding providers or
dimensions (index stores are dimension-locked, see 'pampax info').`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}

			return runIndex(ctx, cmd, indexOptions{
				path:          path,
				provider:      provider,
				force:         force,
				pretty:        pretty,
				encrypt:       encrypt,
				encryptionKey: encryptionKey,
				incremental:   true,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Embedding provider: auto-detect (default), openai, cohere, ollama, or local")
	cmd.Flags().BoolVar(&force, "force", false, "Discard incremental state and rebuild the index from scratch")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable console output instead of JSON")
	cmd.Flags().StringVar(&encrypt, "encrypt", "", "Enable or disable chunk store encryption: on|off")
	cmd.Flags().StringVar(&encryptionKey, "encryption-key", "", "Master key for chunk store encryption (base64 or hex)")

	return cmd
}
