package signerfacade

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/karalabe/usb"
	"github.com/status-im/keycard-go"
	"github.com/status-im/keycard-go/globalplatform"
)

// usbCardChannel adapts a raw karalabe/usb HID device to keycard-go's
// globalplatform.CardChannel (Transmit(apdu []byte) ([]byte, error)), so
// the keycard command set can drive it over HID transport reports.
type usbCardChannel struct {
	dev usb.Device
}

func (c *usbCardChannel) Transmit(apdu []byte) ([]byte, error) {
	if _, err := c.dev.Write(apdu); err != nil {
		return nil, fmt.Errorf("usb write: %w", err)
	}
	buf := make([]byte, 512)
	n, err := c.dev.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("usb read: %w", err)
	}
	return buf[:n], nil
}

// HardwareWalletBackend signs through a USB-attached keycard: a relayer
// operator running an air-gapped signer rack plugs in one keycard per
// relayer and this backend derives the address once, then asks the card
// to sign every subsequent payload.
type HardwareWalletBackend struct {
	mu    sync.Mutex
	cards map[string]*keycard.CommandSet // relayerID -> opened card session
	addrs map[string]ChainAddress
}

// NewHardwareWalletBackend enumerates USB HID devices and opens a command
// channel to each one named in relayerToSerial.
func NewHardwareWalletBackend(relayerToSerial map[string]string) (*HardwareWalletBackend, error) {
	devices, err := usb.EnumerateHid(0, 0)
	if err != nil {
		return nil, fmt.Errorf("hardware signer: enumerate USB HID devices: %w", err)
	}

	bySerial := make(map[string]usb.DeviceInfo, len(devices))
	for _, d := range devices {
		bySerial[d.Serial] = d
	}

	b := &HardwareWalletBackend{
		cards: make(map[string]*keycard.CommandSet),
		addrs: make(map[string]ChainAddress),
	}
	for relayerID, serial := range relayerToSerial {
		info, ok := bySerial[serial]
		if !ok {
			return nil, fmt.Errorf("hardware signer: no USB device with serial %s for relayer %s", serial, relayerID)
		}
		dev, err := info.Open()
		if err != nil {
			return nil, fmt.Errorf("hardware signer: open device %s: %w", serial, err)
		}
		channel := globalplatform.NewNormalChannel(&usbCardChannel{dev: dev})
		b.cards[relayerID] = keycard.NewCommandSet(channel)
	}
	return b, nil
}

func (b *HardwareWalletBackend) Address(_ context.Context, relayerID string) (ChainAddress, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr, ok := b.addrs[relayerID]; ok {
		return addr, nil
	}
	card, ok := b.cards[relayerID]
	if !ok {
		return "", fmt.Errorf("hardware signer: no card for relayer %s", relayerID)
	}
	if err := card.Select(); err != nil {
		return "", fmt.Errorf("hardware signer: select applet: %w", err)
	}
	pub, err := card.ExportCurrentKey(true)
	if err != nil {
		return "", fmt.Errorf("hardware signer: export public key: %w", err)
	}
	addr := ChainAddress(crypto.Keccak256Hash(pub).Hex())
	b.addrs[relayerID] = addr
	return addr, nil
}

func (b *HardwareWalletBackend) Sign(_ context.Context, relayerID string, payload []byte) (Signature, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	card, ok := b.cards[relayerID]
	if !ok {
		return nil, fmt.Errorf("hardware signer: no card for relayer %s", relayerID)
	}
	sig, err := card.SignWithCurrentKey(payload)
	if err != nil {
		return nil, fmt.Errorf("hardware signer: sign: %w", err)
	}
	return Signature(sig), nil
}
