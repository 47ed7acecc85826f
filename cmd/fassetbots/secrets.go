package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fassetbots/internal/secrets"
)

var (
	secretsMethod string
	secretsOut    string
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Encrypt or decrypt the private keys of a secrets file",
	Long:  "Encrypts or decrypts a secrets file with the password in " + secrets.PasswordEnv + ".",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var secretsEncryptCmd = &cobra.Command{
	Use:   "encrypt <file>",
	Short: "Encrypt every private key and the API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsEncrypt,
}

var secretsDecryptCmd = &cobra.Command{
	Use:   "decrypt <file>",
	Short: "Write a plain copy of an encrypted secrets file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsDecrypt,
}

var secretsTextCmd = &cobra.Command{
	Use:   "encrypt-text <text>",
	Short: "Encrypt a single value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := secretsPassword()
		if err != nil {
			return err
		}
		method, err := secrets.ParseMethod(secretsMethod)
		if err != nil {
			return err
		}
		enc, err := secrets.EncryptText(password, args[0], method)
		if err != nil {
			return err
		}
		fmt.Println(enc)
		return nil
	},
}

func init() {
	secretsCmd.PersistentFlags().StringVarP(&secretsOut, "out", "o", "", "output file (default: overwrite the input)")
	secretsEncryptCmd.Flags().StringVarP(&secretsMethod, "method", "m", "scrypt-auth", "scrypt-auth, scrypt or sha256")
	secretsTextCmd.Flags().StringVarP(&secretsMethod, "method", "m", "scrypt-auth", "scrypt-auth, scrypt or sha256")

	secretsCmd.AddCommand(secretsEncryptCmd)
	secretsCmd.AddCommand(secretsDecryptCmd)
	secretsCmd.AddCommand(secretsTextCmd)
}

func secretsPassword() (string, error) {
	password := os.Getenv(secrets.PasswordEnv)
	if password == "" {
		return "", errors.New(secrets.PasswordEnv + " is not set")
	}
	return password, nil
}

func outputPath(in string) string {
	if secretsOut != "" {
		return secretsOut
	}
	return in
}

func runSecretsEncrypt(cmd *cobra.Command, args []string) error {
	password, err := secretsPassword()
	if err != nil {
		return err
	}
	method, err := secrets.ParseMethod(secretsMethod)
	if err != nil {
		return err
	}
	plain, err := secrets.Load(args[0], "")
	if err != nil {
		return err
	}
	enc, err := plain.Encrypt(password, method)
	if err != nil {
		return err
	}
	out := outputPath(args[0])
	if err := enc.Save(out); err != nil {
		return err
	}
	fmt.Println(color.GreenString("✓"), "encrypted secrets written to", out)
	return nil
}

func runSecretsDecrypt(cmd *cobra.Command, args []string) error {
	password, err := secretsPassword()
	if err != nil {
		return err
	}
	plain, err := secrets.Load(args[0], password)
	if err != nil {
		return err
	}
	out := outputPath(args[0])
	if err := plain.Save(out); err != nil {
		return err
	}
	fmt.Println(color.YellowString("!"), "plain secrets written to", out)
	return nil
}
