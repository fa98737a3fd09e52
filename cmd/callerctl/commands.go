package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qms/caller-service/internal/models"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errNoClinic = errors.New("no clinic selected: pass --clinic or set CALLERCTL_CLINIC")

func clinicID() (string, error) {
	id := strings.TrimSpace(viper.GetString("clinic"))
	if id == "" {
		return "", errNoClinic
	}
	return id, nil
}

func clinicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clinics",
		Short: "List and manage clinics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			clinics, err := c.Clinics(ctx)
			if err != nil {
				return err
			}
			renderClinics(cmd.OutOrStdout(), clinics)
			return nil
		},
	}

	var (
		password string
		start    int
	)
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a clinic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			clinic, err := c.AddClinic(ctx, strings.Join(args, " "), password, start)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", clinic.Name, clinic.ID)
			return nil
		},
	}
	add.Flags().StringVarP(&password, "password", "p", "", "clinic password")
	add.Flags().IntVar(&start, "start", 0, "starting number")

	remove := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a clinic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := c.DeleteClinic(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func actionCmd(use, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := clinicID()
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			call, err := c.Action(ctx, id, action)
			if err != nil {
				return err
			}
			renderCall(cmd.OutOrStdout(), call, time.Now())
			return nil
		},
	}
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call NUMBER",
		Short: "Call a specific number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := clinicID()
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			call, err := c.SetCustom(ctx, id, args[0])
			if err != nil {
				return err
			}
			renderCall(cmd.OutOrStdout(), call, time.Now())
			return nil
		},
	}
}

func ticketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tickets START END",
		Short: "Print queue tickets with their expected wait",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := clinicID()
			if err != nil {
				return err
			}
			start, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("start %q is not a number", args[0])
			}
			end, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("end %q is not a number", args[1])
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			batch, err := c.Tickets(ctx, id, start, end)
			if err != nil {
				return err
			}
			renderTickets(cmd.OutOrStdout(), batch)
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the clinic to zero",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := clinicID()
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if err := c.Reset(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", id)
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check the clinic password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := clinicID()
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			clinic, err := c.Login(ctx, id, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in to %s, current number %d\n", clinic.Name, clinic.CurrentNumber)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "clinic password")
	return cmd
}

func messageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message TEXT",
		Short: "Show a message on every display",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			msg, err := c.ShowMessage(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "showing %q\n", msg.Message)
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the call and message slots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			return c.ClearDisplay(ctx)
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show the center settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			settings, err := c.Settings(ctx)
			if err != nil {
				return err
			}
			renderSettings(cmd.OutOrStdout(), settings, time.Now())
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change center settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			settings, err := c.Settings(ctx)
			if err != nil {
				return err
			}
			if err := applySettingsFlags(cmd, &settings); err != nil {
				return err
			}
			saved, err := c.SaveSettings(ctx, settings)
			if err != nil {
				return err
			}
			renderSettings(cmd.OutOrStdout(), saved, time.Now())
			return nil
		},
	}
	set.Flags().String("center-name", "", "center name shown on displays")
	set.Flags().String("audio-type", "", "tts or mp3")
	set.Flags().Float64("audio-speed", 0, "playback speed between 0.5 and 2.0")
	set.Flags().String("audio-path", "", "directory holding mp3 clips")
	set.Flags().String("media-path", "", "display media directory")
	set.Flags().String("ticker", "", "news ticker text")

	cmd.AddCommand(set)
	return cmd
}

// applySettingsFlags copies only the flags the operator passed.
func applySettingsFlags(cmd *cobra.Command, s *models.Settings) error {
	flags := cmd.Flags()
	strs := map[string]*string{
		"center-name": &s.CenterName,
		"audio-type":  &s.AudioType,
		"audio-path":  &s.AudioPath,
		"media-path":  &s.MediaPath,
		"ticker":      &s.NewsTicker,
	}
	for name, target := range strs {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*target = v
	}
	if flags.Changed("audio-speed") {
		v, err := flags.GetFloat64("audio-speed")
		if err != nil {
			return err
		}
		s.AudioSpeed = v
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what every display is showing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			display, err := c.Display(ctx)
			if err != nil {
				return err
			}
			clinics, err := c.Clinics(ctx)
			if err != nil {
				return err
			}
			queues := make(map[string]models.QueueRecord, len(clinics))
			for _, clinic := range clinics {
				record, err := c.Queue(ctx, clinic.ID)
				if err != nil {
					return err
				}
				queues[clinic.ID] = record
			}
			renderStatus(cmd.OutOrStdout(), display, clinics, queues, time.Now())
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the latest operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			entries, err := c.History(ctx)
			if err != nil {
				return err
			}
			renderHistory(cmd.OutOrStdout(), entries, time.Now())
			return nil
		},
	}
}
