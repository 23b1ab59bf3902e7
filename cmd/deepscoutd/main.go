package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "deepscoutd"}

	root.AddCommand(serveCMD(), researchCMD())
	_ = root.Execute()
}
