package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fieldday/tripledger/internal/logging"
	"github.com/fieldday/tripledger/internal/qrmail"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type rosterFile struct {
	Destination string          `json:"destination"`
	Date        string          `json:"date"`
	Students    []rosterStudent `json:"students"`
}

type rosterStudent struct {
	ID            string `json:"id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
	HasAssignment bool   `json:"has_assignment"`
}

func newSendQRCommand() *cobra.Command {
	var rosterPath string

	cmd := &cobra.Command{
		Use:   "send-qr",
		Short: "Email digital QR tokens to a trip roster",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSendQR(rosterPath)
		},
	}

	cmd.Flags().StringVar(&rosterPath, "roster", "", "Path to the roster JSON file")
	if err := cmd.MarkFlagRequired("roster"); err != nil {
		panic(err)
	}

	return cmd
}

func runSendQR(rosterPath string) error {
	// Mailing needs no remote trip service, so SMTP settings are read
	// directly instead of going through the full agent config validation.
	configViper := viper.GetViper()
	smtpHost := configViper.GetString("smtp.host")
	smtpFrom := configViper.GetString("smtp.from")
	if smtpHost == "" || smtpFrom == "" {
		return fmt.Errorf("smtp.host and smtp.from are required for send-qr")
	}

	logger, err := logging.NewLogger(configViper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	raw, err := os.ReadFile(rosterPath)
	if err != nil {
		return err
	}
	var roster rosterFile
	if err := json.Unmarshal(raw, &roster); err != nil {
		return err
	}

	sender := qrmail.NewSMTPSender(qrmail.SMTPConfig{
		Host:     smtpHost,
		Port:     configViper.GetInt("smtp.port"),
		Username: configViper.GetString("smtp.username"),
		Password: configViper.GetString("smtp.password"),
		From:     smtpFrom,
	})

	mailer, err := qrmail.NewMailer(sender, logger)
	if err != nil {
		return err
	}

	trip := qrmail.TripInfo{Destination: roster.Destination}
	if parsed, err := time.Parse("2006-01-02", roster.Date); err == nil {
		trip.DateSeconds = parsed.UTC().Unix()
	}

	recipients := make([]qrmail.Recipient, 0, len(roster.Students))
	for _, student := range roster.Students {
		recipients = append(recipients, qrmail.Recipient{
			StudentID:     student.ID,
			FirstName:     student.FirstName,
			LastName:      student.LastName,
			Email:         student.Email,
			HasAssignment: student.HasAssignment,
		})
	}

	report := mailer.SendForRoster(context.Background(), trip, recipients)
	logger.Info("qr email run finished",
		zap.Int("sent", report.SentCount),
		zap.Int("already_sent", report.AlreadySent),
		zap.Int("no_email", report.NoEmailCount),
		zap.Int("errors", len(report.Errors)))

	for _, issued := range report.Issued {
		fmt.Printf("%s\t%s\n", issued.StudentID, issued.TokenUID)
	}
	for _, failure := range report.Errors {
		fmt.Fprintln(os.Stderr, failure)
	}
	return nil
}
