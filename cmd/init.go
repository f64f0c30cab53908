package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wardenbot/warden/warden"
	"golang.org/x/term"
)

// tokenReader is a function type for reading the bot token without
// echoing it. It's really only here to make testing easier.
type tokenReader func() ([]byte, error)

var customTokenReader tokenReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and store the Discord bot token",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable WARDEN_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable WARDEN_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := warden.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		store := warden.NewConfigStore(db, cfg.DatabaseType, nil)
		out := cmd.OutOrStdout()

		// Check whether a token is already stored
		_, err = store.Load(ctx)
		switch {
		case errors.Is(err, warden.ErrNotConfigured):
			fmt.Fprintln(out, "The bot token is not set. Let's set it up.")

			token := promptToken(cmd)
			if configureErr := store.Configure(ctx, token); configureErr != nil {
				if errors.Is(configureErr, warden.ErrAlreadyConfigured) {
					log.Fatal("A configuration was created concurrently; re-run init to overwrite it")
				}
				log.Fatalf("Error storing bot token: %v", configureErr)
			}
			fmt.Fprintln(out, "Bot token stored successfully.")
		case err != nil:
			log.Fatalf("Error retrieving bot config: %v", err)
		default:
			fmt.Fprintln(out, "A config already exists.")
			if !promptYesNo(cmd, "Overwrite?") {
				fmt.Fprintln(out, "Leaving the existing config in place.")
				break
			}

			token := promptToken(cmd)
			if rotateErr := store.Rotate(ctx, token); rotateErr != nil {
				log.Fatalf("Error rotating bot token: %v", rotateErr)
			}
			warden.AnnounceConfigUpdated(ctx, db, cfg.DatabaseType, nil)
			fmt.Fprintln(out, "Bot token updated successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptToken reads the bot token from the terminal without echo,
// re-prompting until it gets a non-empty value.
func promptToken(cmd *cobra.Command) string {
	out := cmd.OutOrStdout()

	if customTokenReader == nil {
		customTokenReader = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter Discord bot token: ")
		tokenBytes, _ := customTokenReader()
		fmt.Fprintln(out)

		token := strings.TrimSpace(string(tokenBytes))
		if token != "" {
			return token
		}
		fmt.Fprintln(out, "Token cannot be empty. Please try again.")
	}
}

func promptYesNo(cmd *cobra.Command, prompt string) bool {
	out := cmd.OutOrStdout()
	reader := bufio.NewReader(os.Stdin)

	for {
		fmt.Fprintf(out, "%s [y/n]: ", prompt)
		answer, _ := reader.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		fmt.Fprintln(out, "Please answer 'y' or 'n'.")
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
}
