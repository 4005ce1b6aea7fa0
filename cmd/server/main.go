// Command server is the serve binary's entrypoint: it delegates
// straight to the cobra root command defined in the cmd package.
package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/localmodel/serve/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
