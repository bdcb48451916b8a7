package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/optisync/internal/session"
)

// SessionView is the printable form of a session.
type SessionView struct {
	Status       string   `json:"status"`
	PrincipalID  string   `json:"principal_id,omitempty"`
	Email        string   `json:"email,omitempty"`
	Name         string   `json:"name,omitempty"`
	Role         string   `json:"role,omitempty"`
	Degraded     bool     `json:"degraded"`
	Capabilities []string `json:"capabilities"`
}

func viewSession(s session.Session) SessionView {
	v := SessionView{
		Status:       s.Status.String(),
		PrincipalID:  s.PrincipalID(),
		Role:         string(s.Role()),
		Degraded:     s.Degraded(),
		Capabilities: []string{},
	}
	if s.Principal != nil {
		v.Email = s.Principal.Email
	}
	if s.Profile != nil {
		v.Name = s.Profile.Name
	}
	for _, c := range s.Capabilities().List() {
		v.Capabilities = append(v.Capabilities, string(c))
	}
	return v
}

func (v SessionView) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "status:       %s\n", v.Status)
	if v.PrincipalID != "" {
		fmt.Fprintf(&b, "principal:    %s (%s)\n", v.PrincipalID, v.Email)
	}
	if v.Name != "" {
		fmt.Fprintf(&b, "name:         %s\n", v.Name)
		fmt.Fprintf(&b, "role:         %s\n", v.Role)
	}
	if v.Degraded {
		fmt.Fprintf(&b, "profile:      unavailable\n")
	}
	fmt.Fprintf(&b, "capabilities: %s", strings.Join(v.Capabilities, ", "))
	return b.String()
}

// NewSessionCommand creates the session command.
func NewSessionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Sign in and print the resolved session",
		Long: `Sign in as --email, resolve the session and print it.

A principal without a profile gets one provisioned with the member role.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient(opts)
			if err != nil {
				return err
			}
			defer c.Close(cmd.ErrOrStderr())

			s, err := c.signIn(cmd.Context())
			if err != nil {
				return err
			}
			v := viewSession(s)
			return opts.formatter(cmd).Success(v, v.String())
		},
	}
}
