package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/portfolioctl/internal/portfolioapi"
	"github.com/tyemirov/portfolioctl/internal/sessionkit"
	"github.com/tyemirov/portfolioctl/internal/tokeninspect"
)

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and persist the session credential record",
		RunE: func(command *cobra.Command, arguments []string) error {
			email := viper.GetString("login_email")
			password := viper.GetString("login_password")
			if strings.TrimSpace(email) == "" || password == "" {
				return configError("config.missing_login_credentials", "login_email and login_password must be provided")
			}
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			profile, loginErr := runtime.controller.LoginWithPassword(command.Context(), email, password)
			if loginErr != nil {
				return loginErr
			}
			command.Printf("logged in as %s (%s)\n", profile.UserDisplayName, profile.UserEmail)
			return nil
		},
	}
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password")
	_ = viper.BindPFlag("login_email", loginCmd.Flags().Lookup("email"))
	_ = viper.BindPFlag("login_password", loginCmd.Flags().Lookup("password"))
	return loginCmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the refresh credential server-side and clear the local session",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			if logoutErr := runtime.controller.Logout(command.Context()); logoutErr != nil {
				return logoutErr
			}
			command.Println("logged out")
			return nil
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session state from the local credential record",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			commandContext := command.Context()
			if viper.GetBool("whoami_remote") {
				profile, refetchErr := runtime.controller.RefreshProfile(commandContext)
				if refetchErr != nil {
					return refetchErr
				}
				command.Printf("%s (%s) roles=%s\n", profile.UserDisplayName, profile.UserEmail, strings.Join(profile.UserRoles, ","))
				return nil
			}

			if !runtime.controller.IsAuthenticated(commandContext) {
				command.Println("anonymous")
				return nil
			}
			if profile, ok := runtime.controller.CurrentUser(commandContext); ok {
				command.Printf("%s (%s)\n", profile.UserDisplayName, profile.UserEmail)
			}
			accessToken, present := runtime.controller.AccessToken(commandContext)
			if present {
				if details, inspectErr := tokeninspect.Inspect(accessToken, time.Now().UTC()); inspectErr == nil && !details.ExpiresAt.IsZero() {
					command.Printf("access token expires %s (expired=%t)\n", details.ExpiresAt.Format(time.RFC3339), details.Expired)
				}
			}
			return nil
		},
	}
	whoamiCmd.Flags().Bool("remote", false, "Refetch the profile from the server instead of reading the cache")
	_ = viper.BindPFlag("whoami_remote", whoamiCmd.Flags().Lookup("remote"))
	return whoamiCmd
}

func newRequestCommand() *cobra.Command {
	requestCmd := &cobra.Command{
		Use:   "request METHOD ENDPOINT [BODY]",
		Short: "Send one API call through the authenticated dispatcher",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			descriptor := sessionkit.RequestDescriptor{
				Method:       strings.ToUpper(arguments[0]),
				Endpoint:     arguments[1],
				RequiresAuth: !viper.GetBool("request_no_auth"),
			}
			if len(arguments) == 3 {
				var body any
				if unmarshalErr := json.Unmarshal([]byte(arguments[2]), &body); unmarshalErr != nil {
					return fmt.Errorf("request body must be valid JSON: %w", unmarshalErr)
				}
				descriptor.Body = body
			}

			response, requestErr := runtime.dispatcher.Do(command.Context(), descriptor)
			if requestErr != nil {
				return requestErr
			}
			if response.IsJSON() {
				var pretty json.RawMessage = response.Body
				indented, indentErr := json.MarshalIndent(pretty, "", "  ")
				if indentErr == nil {
					command.Println(string(indented))
					return nil
				}
			}
			command.Println(response.Text())
			return nil
		},
	}
	requestCmd.Flags().Bool("no-auth", false, "Send without attaching the access credential")
	_ = viper.BindPFlag("request_no_auth", requestCmd.Flags().Lookup("no-auth"))
	return requestCmd
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the validity monitor and cross-process synchronizer, printing session transitions",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()

			commandContext := command.Context()
			states, unsubscribe := runtime.controller.Subscribe()
			defer unsubscribe()

			if syncErr := runtime.syncer.Start(commandContext); syncErr != nil {
				return syncErr
			}
			defer runtime.syncer.Stop()

			runtime.monitor.Start(commandContext)
			defer runtime.monitor.Stop()

			command.Printf("watching session (authenticated=%t)\n", runtime.controller.IsAuthenticated(commandContext))

			stopSignals := make(chan os.Signal, 1)
			signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
			for {
				select {
				case <-stopSignals:
					return nil
				case <-commandContext.Done():
					return nil
				case state := <-states:
					if state.Authenticated && state.Profile != nil {
						command.Printf("session: authenticated as %s\n", state.Profile.UserEmail)
					} else if state.Authenticated {
						command.Println("session: authenticated")
					} else {
						command.Println("session: anonymous")
					}
				}
			}
		},
	}
}

func newPortfolioCommand() *cobra.Command {
	portfolioCmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Manage portfolios",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List your portfolios",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()
			portfolios, listErr := runtime.portfolios.ListPortfolios(command.Context())
			if listErr != nil {
				return listErr
			}
			return printJSON(command, portfolios)
		},
	}

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show one portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			portfolioID, parseErr := strconv.ParseInt(arguments[0], 10, 64)
			if parseErr != nil {
				return fmt.Errorf("portfolio id must be numeric: %w", parseErr)
			}
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()
			portfolio, getErr := runtime.portfolios.GetPortfolio(command.Context(), portfolioID)
			if getErr != nil {
				return getErr
			}
			return printJSON(command, portfolio)
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a portfolio",
		RunE: func(command *cobra.Command, arguments []string) error {
			input := portfolioapi.CreatePortfolioInput{
				Title:       viper.GetString("portfolio_title"),
				Description: viper.GetString("portfolio_description"),
				TemplateID:  viper.GetInt64("portfolio_template_id"),
			}
			if strings.TrimSpace(input.Title) == "" {
				return configError("config.missing_portfolio_title", "title must be provided")
			}
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()
			portfolio, createErr := runtime.portfolios.CreatePortfolio(command.Context(), input)
			if createErr != nil {
				return createErr
			}
			return printJSON(command, portfolio)
		},
	}
	createCmd.Flags().String("title", "", "Portfolio title")
	createCmd.Flags().String("description", "", "Portfolio description")
	createCmd.Flags().Int64("template-id", 0, "Template identifier")
	_ = viper.BindPFlag("portfolio_title", createCmd.Flags().Lookup("title"))
	_ = viper.BindPFlag("portfolio_description", createCmd.Flags().Lookup("description"))
	_ = viper.BindPFlag("portfolio_template_id", createCmd.Flags().Lookup("template-id"))

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			portfolioID, parseErr := strconv.ParseInt(arguments[0], 10, 64)
			if parseErr != nil {
				return fmt.Errorf("portfolio id must be numeric: %w", parseErr)
			}
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()
			if deleteErr := runtime.portfolios.DeletePortfolio(command.Context(), portfolioID); deleteErr != nil {
				return deleteErr
			}
			command.Println("deleted")
			return nil
		},
	}

	portfolioCmd.AddCommand(listCmd, getCmd, createCmd, deleteCmd)
	return portfolioCmd
}

func newTemplatesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the public template gallery",
		RunE: func(command *cobra.Command, arguments []string) error {
			runtime, runtimeErr := newRuntimeForCommand(command)
			if runtimeErr != nil {
				return runtimeErr
			}
			defer runtime.Close()
			templates, listErr := runtime.portfolios.ListTemplates(command.Context())
			if listErr != nil {
				return listErr
			}
			return printJSON(command, templates)
		},
	}
}

func printJSON(command *cobra.Command, value any) error {
	indented, marshalErr := json.MarshalIndent(value, "", "  ")
	if marshalErr != nil {
		return marshalErr
	}
	command.Println(string(indented))
	return nil
}
