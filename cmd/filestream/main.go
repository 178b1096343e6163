// Command filestream serves Telegram-hosted files over HTTP through signed
// download links.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
