package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/drand/kyber"

	"github.com/sectionmesh/sectiond/common/bls"
)

// contactFileName is the well-known file a node writes its own reachable
// address to, and the genesis node additionally writes the network's root
// key to, so a client with no explicit --bootstrap-contact can still find a
// way in (§6).
const contactFileName = "contact"

// writeContactFile records addr (and, for the genesis node, genesisKey) at
// folder/contact, one value per line.
func writeContactFile(folder, addr string, genesisKey kyber.Point) error {
	path := filepath.Join(folder, contactFileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("contact: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, addr); err != nil {
		return fmt.Errorf("contact: write %s: %w", path, err)
	}
	if genesisKey != nil {
		b, err := genesisKey.MarshalBinary()
		if err != nil {
			return fmt.Errorf("contact: marshal genesis key: %w", err)
		}
		if _, err := fmt.Fprintln(f, hex.EncodeToString(b)); err != nil {
			return fmt.Errorf("contact: write %s: %w", path, err)
		}
	}
	return nil
}

// readContactFile returns the reachable address at folder/contact, and the
// genesis key if one was recorded there.
func readContactFile(scheme *bls.Scheme, folder string) (addr string, genesisKey kyber.Point, err error) {
	path := filepath.Join(folder, contactFileName)
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("contact: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", nil, fmt.Errorf("contact: %s is empty", path)
	}
	addr = strings.TrimSpace(scanner.Text())

	if scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			raw, err := hex.DecodeString(line)
			if err != nil {
				return "", nil, fmt.Errorf("contact: decode genesis key: %w", err)
			}
			p := scheme.KeyGroup.Point()
			if err := p.UnmarshalBinary(raw); err != nil {
				return "", nil, fmt.Errorf("contact: unmarshal genesis key: %w", err)
			}
			genesisKey = p
		}
	}
	return addr, genesisKey, nil
}

// parseGenesisKey decodes a hex-encoded BLS genesis public key, the format
// --genesis-key and the contact file both use.
func parseGenesisKey(scheme *bls.Scheme, s string) (kyber.Point, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("contact: decode genesis key: %w", err)
	}
	p := scheme.KeyGroup.Point()
	if err := p.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("contact: unmarshal genesis key: %w", err)
	}
	return p, nil
}
