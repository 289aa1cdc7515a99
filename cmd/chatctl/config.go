package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"marketchat/internal/domain/chat"
)

// Profile is the CLI configuration stored in ~/.marketchat/chatctl.toml.
type Profile struct {
	Gateway ProfileGateway `toml:"gateway"`
	User    ProfileUser    `toml:"user"`
}

type ProfileGateway struct {
	URL string `toml:"url"`
}

type ProfileUser struct {
	ID          string `toml:"id"`
	DisplayName string `toml:"display_name"`
	// Role is the side the user takes in new conversations: client or provider.
	Role string `toml:"role"`
}

var flags struct {
	config  string
	gateway string
	user    string
	name    string
	role    string
	verbose bool
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.config, "config", "", "profile path (default ~/.marketchat/chatctl.toml)")
	pf.StringVar(&flags.gateway, "gateway", "", "gateway base URL")
	pf.StringVar(&flags.user, "user", "", "acting user id")
	pf.StringVar(&flags.name, "name", "", "display name announced while typing")
	pf.StringVar(&flags.role, "role", "", "client or provider")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func profilePath() (string, error) {
	if flags.config != "" {
		return flags.config, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".marketchat", "chatctl.toml"), nil
}

// readProfile parses path. A missing file yields the zero profile.
func readProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("cannot read profile: %w", err)
	}
	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("cannot parse profile: %w", err)
	}
	return p, nil
}

func writeProfile(path string, p Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create profile directory: %w", err)
	}
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("cannot marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write profile: %w", err)
	}
	return nil
}

// applyFlags overlays non-empty flags and fills defaults.
func (p Profile) applyFlags() Profile {
	if flags.gateway != "" {
		p.Gateway.URL = flags.gateway
	}
	if flags.user != "" {
		p.User.ID = flags.user
	}
	if flags.name != "" {
		p.User.DisplayName = flags.name
	}
	if flags.role != "" {
		p.User.Role = flags.role
	}
	if p.Gateway.URL == "" {
		p.Gateway.URL = "http://localhost:8080"
	}
	if p.User.DisplayName == "" {
		p.User.DisplayName = p.User.ID
	}
	return p
}

func (p Profile) validate() error {
	if strings.TrimSpace(p.User.ID) == "" {
		return errors.New("user id is required: set user.id in the profile or pass --user")
	}
	if _, err := p.role(); err != nil {
		return err
	}
	u, err := url.Parse(p.Gateway.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid gateway url %q", p.Gateway.URL)
	}
	return nil
}

func (p Profile) role() (chat.Role, error) {
	switch strings.ToLower(strings.TrimSpace(p.User.Role)) {
	case "", "client":
		return chat.RoleClient, nil
	case "provider":
		return chat.RoleProvider, nil
	default:
		return "", fmt.Errorf("unknown role %q (valid: client, provider)", p.User.Role)
	}
}

// socketURL maps the gateway base URL onto its websocket endpoint.
func (p Profile) socketURL() string {
	u, err := url.Parse(p.Gateway.URL)
	if err != nil {
		return ""
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String()
}

func (p Profile) viewer() chat.Profile {
	return chat.Profile{UserID: p.User.ID, DisplayName: p.User.DisplayName}
}

// loadProfile reads the profile file and applies flag overrides.
func loadProfile() (Profile, error) {
	path, err := profilePath()
	if err != nil {
		return Profile{}, err
	}
	p, err := readProfile(path)
	if err != nil {
		return Profile{}, err
	}
	p = p.applyFlags()
	if err := p.validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func setProfileValue(p *Profile, key, value string) error {
	switch key {
	case "gateway.url":
		p.Gateway.URL = value
	case "user.id":
		p.User.ID = value
	case "user.display_name":
		p.User.DisplayName = value
	case "user.role":
		p.User.Role = value
	default:
		return fmt.Errorf("unknown key %q (valid: gateway.url, user.id, user.display_name, user.role)", key)
	}
	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the chatctl profile",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := profilePath()
		if err != nil {
			return err
		}
		p, err := readProfile(path)
		if err != nil {
			return err
		}
		data, err := toml.Marshal(p.applyFlags())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a profile value",
	Long:  "Set a profile value using dot notation.\nExample: chatctl config set user.id alice",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := profilePath()
		if err != nil {
			return err
		}
		p, err := readProfile(path)
		if err != nil {
			return err
		}
		if err := setProfileValue(&p, args[0], args[1]); err != nil {
			return err
		}
		if err := writeProfile(path, p); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
		return nil
	},
}
