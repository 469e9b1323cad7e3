package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/ggoodman/tool-gateway/credentials"
	"github.com/ggoodman/tool-gateway/internal/sqlitedb"
	"github.com/ggoodman/tool-gateway/permissions"
)

// storageEnv is the slice of the configuration admin commands need.
type storageEnv struct {
	DBPath string `env:"GATEWAY_DB_PATH,default=toolgateway.db"`
}

func defaultDBPath() string {
	var env storageEnv
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return "toolgateway.db"
	}
	return env.DBPath
}

func addDBFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVar(path, "db", defaultDBPath(), "SQLite database path (env GATEWAY_DB_PATH)")
}

func newMigrateCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			v, err := sqlitedb.Version(cmd.Context(), db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
	addDBFlag(cmd, &dbPath)
	return cmd
}

func newAccountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage gateway accounts",
	}
	var (
		dbPath string
		name   string
	)
	create := &cobra.Command{
		Use:   "create <identifier>",
		Short: "Create an account; the secret is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin())
			if err != nil {
				return err
			}
			db, _, err := openDB(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			acct, err := credentials.NewSQLStore(db).CreateAccount(cmd.Context(), args[0], name, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created account %s (id %s)\n", acct.Identifier, acct.ID)
			return nil
		},
	}
	addDBFlag(create, &dbPath)
	create.Flags().StringVar(&name, "name", "", "display name")
	cmd.AddCommand(create)
	return cmd
}

func newInviteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage invite codes",
	}
	var (
		dbPath    string
		createdBy string
		ttl       time.Duration
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a single-use invite code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			inv, err := credentials.NewSQLStore(db).CreateInvite(cmd.Context(), createdBy, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (expires %s)\n", inv.Code, inv.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	addDBFlag(create, &dbPath)
	create.Flags().StringVar(&createdBy, "by", "admin", "who issued the invite")
	create.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "how long the invite stays redeemable")
	cmd.AddCommand(create)
	return cmd
}

func newPermissionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permission",
		Short: "Manage permission levels",
	}
	var (
		dbPath string
		group  string
	)
	set := &cobra.Command{
		Use:   "set <user-id> <level>",
		Short: "Set a user's global level, or a group level with --group",
		Long: `Set a permission level. Levels are 0 (read_only), 1 (create_draft),
2 (approve_update) and 3 (delete_void); names are accepted too.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLevel(args[1])
			if err != nil {
				return err
			}
			db, _, err := openDB(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer db.Close()
			store := permissions.NewSQLStore(db)
			if group == "" {
				err = store.SetGlobalLevel(cmd.Context(), args[0], level)
			} else {
				err = store.SetGroupLevel(cmd.Context(), args[0], group, level)
			}
			if err != nil {
				return err
			}
			scope := "global"
			if group != "" {
				scope = group
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s level %s\n", args[0], scope, level)
			return nil
		},
	}
	addDBFlag(set, &dbPath)
	set.Flags().StringVar(&group, "group", "", "operation group, e.g. accounting.invoices")
	cmd.AddCommand(set)
	return cmd
}

func parseLevel(s string) (permissions.Level, error) {
	if n, err := strconv.Atoi(s); err == nil {
		l := permissions.Level(n)
		if !l.Valid() {
			return 0, fmt.Errorf("level %d: %w", n, permissions.ErrInvalidLevel)
		}
		return l, nil
	}
	for l := permissions.LevelReadOnly; l <= permissions.LevelDeleteVoid; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("level %q: %w", s, permissions.ErrInvalidLevel)
}

// readSecret reads the first line of r.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("secret is required on stdin")
	}
	return secret, nil
}
