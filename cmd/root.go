package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "picshrink",
	Short: "picshrink 🖼 - batch-convert images to AVIF or JXL",
	Long:  "picshrink 🖼 converts loose images, directory trees, and zip archives to modern formats under named presets, repacking archives atomically.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})
}
