package app

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login [provider]",
	Short: "Sign in to a provider and cache the session",
	Args:  cobra.ExactArgs(1),
	RunE:  loginCmdFunc,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [provider]",
	Short: "List cached sessions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  sessionsCmdFunc,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <session-id>",
	Short: "Remove a cached session and its stored refresh token",
	Args:  cobra.ExactArgs(1),
	RunE:  logoutCmdFunc,
}

func init() {
	loginCmd.Flags().String("scopes", "", "Space-separated scopes to request")
	loginCmd.Flags().String("account", "", "Account hint for session matching")
	loginCmd.Flags().Bool("device", false, "Use the device-code flow instead of the browser")
}

func loginCmdFunc(cmd *cobra.Command, args []string) error {
	store, err := newStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	requestedScopes, _ := cmd.Flags().GetString("scopes")
	account, _ := cmd.Flags().GetString("account")
	device, _ := cmd.Flags().GetBool("device")

	sess, err := store.Acquire(cmd.Context(), args[0], account, requestedScopes, !device)
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	fmt.Printf("Signed in to %s as %s (scopes: %s)\n", sess.Provider, sess.Account, sess.Scopes.String())
	return nil
}

func sessionsCmdFunc(cmd *cobra.Command, args []string) error {
	store, err := newStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	providerID := ""
	if len(args) > 0 {
		providerID = args[0]
	}

	sessions := store.Sessions(providerID)
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tACCOUNT\tSCOPES\tEXPIRES")
	for _, sess := range sessions {
		expiry := "-"
		if !sess.Expiry.IsZero() {
			expiry = sess.Expiry.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", sess.ID, sess.Provider, sess.Account, sess.Scopes.String(), expiry)
	}
	return w.Flush()
}

func logoutCmdFunc(cmd *cobra.Command, args []string) error {
	store, err := newStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Remove(args[0]); err != nil {
		return err
	}
	fmt.Println("Session removed")
	return nil
}
