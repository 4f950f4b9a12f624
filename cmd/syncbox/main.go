package main

import "os"

func main() {
	err := rootCmd.Execute()

	if apiClient != nil {
		_ = apiClient.Close()
	}

	if err != nil {
		printError("Error: %v", err)
		os.Exit(1)
	}
}
