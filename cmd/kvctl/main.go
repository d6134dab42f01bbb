package main

import (
    "log"

    "github.com/spf13/cobra"

    kvcli "github.com/amirimatin/go-kvcluster/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "kvctl",
        Short:         "go-kvcluster client CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all client commands from pkg/cli for reuse in services
    kvcli.AddAll(root)
    return root
}
