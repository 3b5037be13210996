package commands

import (
	"github.com/spf13/cobra"

	"github.com/strandnet/strand/src/config"
)

var _config = config.NewDefaultConfig()

//RootCmd is the root command for strand
var RootCmd = &cobra.Command{
	Use:              "strand",
	Short:            "strand command channel",
	TraverseChildren: true,
}
