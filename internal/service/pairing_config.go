package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const (
	pairingConfigPrefix = "config="
	QRCodeSize          = 512
	BundleVersion       = 1
)

// PairingConfig is the remote-desktop server a paired device connects to.
type PairingConfig struct {
	Host  string
	Relay string
	Key   string
}

type pairingPayload struct {
	Host              string `json:"host"`
	Relay             string `json:"relay"`
	Key               string `json:"key"`
	RegistrationToken string `json:"registration_token"`
}

// EncodedConfig is the pairing payload in the two shapes clients consume.
type EncodedConfig struct {
	// Config is what the device scans: "config=" followed by the JSON.
	Config string
	Raw    json.RawMessage
}

// Encode embeds registrationToken in the connection parameters.
func (c PairingConfig) Encode(registrationToken string) (EncodedConfig, error) {
	raw, err := json.Marshal(pairingPayload{
		Host:              c.Host,
		Relay:             c.Relay,
		Key:               c.Key,
		RegistrationToken: registrationToken,
	})
	if err != nil {
		return EncodedConfig{}, fmt.Errorf("encode pairing config: %w", err)
	}
	return EncodedConfig{Config: pairingConfigPrefix + string(raw), Raw: raw}, nil
}

// QRCode renders the scannable config as a PNG.
func (e EncodedConfig) QRCode(size int) ([]byte, error) {
	png, err := qrcode.Encode(e.Config, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("render pairing qr: %w", err)
	}
	return png, nil
}

// Bundle is the connection configuration handed to a provisioned device.
type Bundle struct {
	Version int    `json:"version"`
	Host    string `json:"host"`
	Relay   string `json:"relay"`
	Key     string `json:"key"`
}

// SignedBundle pairs a bundle with the sha256 of its JSON encoding so the
// device can detect a changed configuration.
type SignedBundle struct {
	Bundle Bundle
	Hash   string
}

// Bundle returns the connection parameters without a registration token.
func (c PairingConfig) Bundle() (SignedBundle, error) {
	b := Bundle{Version: BundleVersion, Host: c.Host, Relay: c.Relay, Key: c.Key}
	raw, err := json.Marshal(b)
	if err != nil {
		return SignedBundle{}, fmt.Errorf("encode provisioning bundle: %w", err)
	}
	sum := sha256.Sum256(raw)
	return SignedBundle{Bundle: b, Hash: hex.EncodeToString(sum[:])}, nil
}
