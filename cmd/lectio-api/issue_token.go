package main

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/lectio/internal/auth"
	"github.com/MarcoPoloResearchLab/lectio/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newIssueTokenCommand() *cobra.Command {
	var participantID string
	var displayName string

	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a participant bearer token with the configured signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(participantID) == "" {
				return fmt.Errorf("--participant-id is required")
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				Audience:      appConfig.Audience,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), participantID, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %d seconds\n", expiresIn)
			return nil
		},
	}

	cmd.Flags().StringVar(&participantID, "participant-id", "", "Participant identifier carried by the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name shown to other participants")
	return cmd
}
