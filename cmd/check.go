package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/access-control/internal/authz"
)

var (
	checkUser       string
	checkPermission string
	checkEnv        []string

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Decide whether a user holds a permission",
		Example: `  access-control check --user u1 --permission document.update --env ownerOnly=true
  access-control check --user u1 --permission report:read --env region=eu`,
		RunE: runCheck,
	}
)

func init() {
	checkCmd.Flags().StringVarP(&checkUser, "user", "u", "", "user id to check")
	checkCmd.Flags().StringVarP(&checkPermission, "permission", "p", "", "permission name, resource.action or resource:action")
	checkCmd.Flags().StringArrayVarP(&checkEnv, "env", "e", nil, "environment attribute as key=value, repeatable")
	_ = checkCmd.MarkFlagRequired("permission")
}

func runCheck(_ *cobra.Command, _ []string) error {
	env, err := parseEnvironment(checkEnv)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	app, err := newApplication(cfg)
	if err != nil {
		log.Fatalf("failed to init dependencies: %v", err)
	}

	check, err := app.Authz.CheckPermission(context.Background(), authz.AccessContext{
		UserID:      checkUser,
		Environment: env,
	}, checkPermission)
	app.Close()
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(check, "", "  ")
	fmt.Println(string(out))
	if !check.Allowed {
		os.Exit(2)
	}
	return nil
}

// parseEnvironment reads key=value pairs. Values are decoded as JSON when
// they parse, so true, 18 and ["eu"] keep their types; anything else is a
// string.
func parseEnvironment(pairs []string) (map[string]any, error) {
	env := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, expected key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		env[key] = value
	}
	return env, nil
}
