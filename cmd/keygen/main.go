// keygen writes the key material the daemon needs: the custody master
// key, the storage signer seed and one X25519 key per key server. It
// prints a summary as JSON and, with -config, a matching keys section.
package main

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-media/internal/config"
	"github.com/i5heu/ouroboros-media/internal/custody"
	"github.com/i5heu/ouroboros-media/internal/storagenet"
)

type keyServerOutput struct {
	ID             string `json:"id"`
	PublicKey      string `json:"publicKey"`
	PrivateKeyFile string `json:"privateKeyFile"`
}

type keygenOutput struct {
	MasterKeyFile string            `json:"masterKeyFile"`
	MasterKeyID   string            `json:"masterKeyId"`
	SignerKeyFile string            `json:"signerKeyFile"`
	SignerAddress string            `json:"signerAddress"`
	KeyServers    []keyServerOutput `json:"keyServers"`
	SealThreshold int               `json:"sealThreshold"`
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dir := flag.String("dir", "./data/keys", "directory to write key files to")
	servers := flag.Int("key-servers", 3, "number of key server keys to generate")
	threshold := flag.Int("threshold", 0, "seal threshold, defaults to a majority of key servers")
	configOut := flag.String("config", "", "also write a YAML keys section to this path")
	force := flag.Bool("force", false, "overwrite existing key files")
	flag.Parse()

	if *servers < 0 {
		return errors.New("key-servers must not be negative")
	}
	if *threshold == 0 && *servers > 0 {
		*threshold = *servers/2 + 1
	}
	if *threshold < 0 || *threshold > *servers {
		return fmt.Errorf("threshold %d out of range for %d key servers", *threshold, *servers)
	}
	if err := os.MkdirAll(*dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	out := keygenOutput{
		MasterKeyFile: filepath.Join(*dir, "master.key"),
		SignerKeyFile: filepath.Join(*dir, "signer.key"),
		SealThreshold: *threshold,
	}

	master, err := custody.GenerateMasterKey()
	if err != nil {
		return err
	}
	defer custody.Zero(master)
	cust, err := custody.New(master)
	if err != nil {
		return err
	}
	out.MasterKeyID = cust.KeyID()
	if err := writeKey(out.MasterKeyFile, master, *force); err != nil {
		return err
	}

	signer, err := storagenet.GenerateSigner()
	if err != nil {
		return err
	}
	out.SignerAddress = signer.Address()
	if err := writeKey(out.SignerKeyFile, signer.Seed(), *force); err != nil {
		return err
	}

	keys := config.Keys{
		MasterKeyFile: out.MasterKeyFile,
		SignerKeyFile: out.SignerKeyFile,
		SealThreshold: *threshold,
	}
	for i := range *servers {
		id := fmt.Sprintf("ks-%d", i+1)
		priv, err := ecdh.X25519().GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate key server %s: %w", id, err)
		}
		path := filepath.Join(*dir, id+".key")
		if err := writeKey(path, priv.Bytes(), *force); err != nil {
			return err
		}
		out.KeyServers = append(out.KeyServers, keyServerOutput{
			ID:             id,
			PublicKey:      hex.EncodeToString(priv.PublicKey().Bytes()),
			PrivateKeyFile: path,
		})
		keys.KeyServers = append(keys.KeyServers, config.KeyServer{ID: id, PrivateKeyFile: path})
	}

	if *configOut != "" {
		data, err := yaml.Marshal(struct {
			Keys config.Keys `yaml:"keys"`
		}{keys})
		if err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		if err := os.WriteFile(*configOut, data, 0o600); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// writeKey stores key as hex. Existing files are kept unless force is set.
func writeKey(path string, key []byte, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s exists, use -force to overwrite", path)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
