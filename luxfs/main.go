// luxfs is an offline developer utility for the lux storage overlay. It
// drives the replica pipeline directly, without a running node: building
// and decrypting replicas, computing replica Merkle roots, and hashing
// plaintext files into file URIs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func versioncmd(*cobra.Command, []string) {
	fmt.Println("Lux Storage Utility v1.0.0")
}

// die prints an error message and exits with a failure code.
func die(v ...interface{}) {
	fmt.Fprintln(os.Stderr, v...)
	os.Exit(1)
}

func main() {
	root := &cobra.Command{
		Use:   os.Args[0],
		Short: "Lux Storage Utility v1.0.0",
		Long:  "Lux Storage Utility v1.0.0",
		Run:   versioncmd,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version information.",
		Run:   versioncmd,
	})

	root.AddCommand(&cobra.Command{
		Use:   "merkle [replica]",
		Short: "Print the Merkle root of a replica",
		Long:  "Compute and print the replica Merkle root of a file.",
		Run:   merklecmd,
	})

	root.AddCommand(&cobra.Command{
		Use:   "encrypt [source] [replica] [keyfile]",
		Short: "Encrypt a file into a replica",
		Long: "Encrypt a plaintext file into a replica with freshly generated keys. " +
			"The decryption keys are written to the keyfile; keep it private.",
		Run: encryptcmd,
	})

	root.AddCommand(&cobra.Command{
		Use:   "decrypt [replica] [keyfile] [destination] [size]",
		Short: "Decrypt a replica back into its plaintext",
		Long: "Decrypt a replica using the keys in the keyfile, writing the first " +
			"size bytes of recovered plaintext to the destination.",
		Run: decryptcmd,
	})

	root.AddCommand(&cobra.Command{
		Use:   "orderhash [file]",
		Short: "Print the file URI of a plaintext file",
		Long:  "Hash a plaintext file into the 32-byte file URI used inside storage orders.",
		Run:   orderhashcmd,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
