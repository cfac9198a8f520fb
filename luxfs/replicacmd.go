package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/MichaelHDesigns/lux/crypto"
	"github.com/MichaelHDesigns/lux/encoding"
	"github.com/MichaelHDesigns/lux/modules/storage"
	"github.com/MichaelHDesigns/lux/types"
)

// merklecmd prints the replica Merkle root of a file.
func merklecmd(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		cmd.Usage()
		os.Exit(1)
	}
	f, err := os.Open(args[0])
	if err != nil {
		die("could not open replica:", err)
	}
	defer f.Close()
	root, err := crypto.ReaderMerkleRoot(f)
	if err != nil {
		die("could not compute merkle root:", err)
	}
	fmt.Println(root)
}

// encryptcmd builds a replica with fresh keys and stores the keys beside
// it.
func encryptcmd(cmd *cobra.Command, args []string) {
	if len(args) != 3 {
		cmd.Usage()
		os.Exit(1)
	}
	source, replica, keyfile := args[0], args[1], args[2]

	rsa, err := crypto.GenerateRSAKey()
	if err != nil {
		die("could not generate rsa key:", err)
	}
	keys := types.DecryptionKeys{
		RSAKey: rsa.MarshalPrivatePEM(),
		AESKey: crypto.GenerateAESKey(),
	}
	if err := storage.EncryptFileToReplica(source, replica, keys.AESKey, rsa); err != nil {
		die("could not build replica:", err)
	}
	if err := os.WriteFile(keyfile, encoding.Marshal(keys), 0600); err != nil {
		die("could not write keyfile:", err)
	}

	info, err := os.Stat(source)
	if err != nil {
		die("could not stat source:", err)
	}
	fmt.Printf("encrypted %v bytes into a %v byte replica\n", info.Size(), storage.GetCryptoReplicaSize(uint64(info.Size())))
}

// decryptcmd reconstructs the plaintext of a replica.
func decryptcmd(cmd *cobra.Command, args []string) {
	if len(args) != 4 {
		cmd.Usage()
		os.Exit(1)
	}
	replica, keyfile, destination := args[0], args[1], args[2]
	size, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		die("could not parse plaintext size:", err)
	}

	keyBytes, err := os.ReadFile(keyfile)
	if err != nil {
		die("could not read keyfile:", err)
	}
	var keys types.DecryptionKeys
	if err := encoding.Unmarshal(keyBytes, &keys); err != nil {
		die("could not parse keyfile:", err)
	}
	rsa, err := crypto.ParseRSAKey(keys.RSAKey)
	if err != nil {
		die("could not parse rsa key:", err)
	}
	if err := storage.DecryptReplicaToFile(replica, destination, size, keys.AESKey, rsa); err != nil {
		die("could not decrypt replica:", err)
	}
	fmt.Printf("recovered %v bytes\n", size)
}

// orderhashcmd hashes a plaintext file into a file URI.
func orderhashcmd(cmd *cobra.Command, args []string) {
	if len(args) != 1 {
		cmd.Usage()
		os.Exit(1)
	}
	f, err := os.Open(args[0])
	if err != nil {
		die("could not open file:", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		die("could not read file:", err)
	}
	fmt.Println(crypto.DoubleHashBytes(data))
}
