package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"pairlink/pkg/auth"
	"pairlink/pkg/jid"
)

func certsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage side-channel certificates",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "certs", "certificate directory")

	var caValidity time.Duration
	initCmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Create a certificate authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if cm.CA() != nil {
				return fmt.Errorf("a CA already exists in %s", dir)
			}
			if err := cm.GenerateCA(args[0], caValidity); err != nil {
				return err
			}
			fmt.Println(field("ca", filepath.Join(dir, "ca.crt")))
			fmt.Println(field("expires", cm.CA().NotAfter.Format(time.RFC3339)))
			return nil
		},
	}
	initCmd.Flags().DurationVar(&caValidity, "validity", 5*365*24*time.Hour, "CA validity")

	var (
		addresses []string
		validity  time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue <jid>",
		Short: "Issue a peer certificate signed by the CA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := jid.Parse(args[0])
			if err != nil {
				return err
			}
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if cm.CA() == nil {
				return fmt.Errorf("no CA in %s, run 'pairlink certs init' first", dir)
			}

			cert, key, err := cm.IssueCertificate(peer, addresses, validity)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
			certPath := filepath.Join(dir, peer.Local+".crt")
			keyPath := filepath.Join(dir, peer.Local+".key")
			if err := cm.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}

			fmt.Println(titleStyle.Render(peer.Bare().String()))
			fmt.Println(field("certificate", certPath))
			fmt.Println(field("key", keyPath))
			fmt.Println(field("serial", cert.SerialNumber.String()))
			fmt.Println(field("expires", cert.NotAfter.Format(time.RFC3339)))
			return nil
		},
	}
	issueCmd.Flags().StringSliceVar(&addresses, "address", []string{"localhost", "127.0.0.1"}, "host names or IPs the certificate is valid for")
	issueCmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity")

	cmd.AddCommand(initCmd, issueCmd)
	return cmd
}
