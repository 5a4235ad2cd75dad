package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/sql_guard/internal/app"
	"github.com/triage-ai/palisade/services/sql_guard/internal/turn"
)

var (
	askTenant       string
	askConversation string
	askRaw          bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the assistant a question about your data",
	Long: `ask runs one question through the assistant with the same validator and
executor the server uses. Every SQL statement the assistant writes is checked
before it reaches the warehouse. Reuse --conversation to keep context between
questions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync() //nolint:errcheck // best-effort flush

		a, err := app.Build(cmd.Context(), cfg, logger, app.Options{Source: "cli"})
		if err != nil {
			return err
		}
		defer a.Close()
		if a.Runner == nil {
			return errors.New("no assistant configured: set OPENAI_API_KEY and SQL_GUARD_ASSISTANT_ID")
		}

		spinner, _ := pterm.DefaultSpinner.Start("Thinking...")
		ans, err := a.Runner.Ask(cmd.Context(), turn.Question{
			ConversationID: askConversation,
			TenantID:       askTenant,
			Text:           strings.Join(args, " "),
		})
		if err != nil {
			spinner.Fail(err.Error())
			return err
		}
		spinner.Success(fmt.Sprintf("%s after %d tool round(s)", ans.Outcome.Status, ans.Outcome.Rounds))

		text := ans.Text()
		if ans.Outcome.Reason != "" {
			text += "\n\n> run ended: " + ans.Outcome.Reason
		}
		if askRaw {
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		}
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle())
		if err != nil {
			return err
		}
		out, err := r.Render(text)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	askCmd.Flags().StringVar(&askTenant, "tenant", "", "Tenant identifier the questions are scoped to")
	askCmd.Flags().StringVar(&askConversation, "conversation", "", "Conversation id to continue")
	askCmd.Flags().BoolVar(&askRaw, "raw", false, "Print the reply without markdown rendering")
	rootCmd.AddCommand(askCmd)
}
