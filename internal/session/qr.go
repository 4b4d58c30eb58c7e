package session

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const qrImageSize = 256

// QRPayload is published with the qr event. Image is a PNG data URL ready
// for an <img> tag; Raw is the pairing string for terminal rendering.
type QRPayload struct {
	Image string `json:"qr"`
	Raw   string `json:"raw"`
}

// qrDataURL renders a pairing payload as a PNG data URL.
func qrDataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("session: encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// RenderQRTerminal renders a pairing payload with half-block characters.
func RenderQRTerminal(payload string) (string, error) {
	q, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("session: encode qr: %w", err)
	}
	return q.ToSmallString(false), nil
}
