package domain

import "time"

// TwoFactorSetup is returned once when TOTP setup is requested. The secret
// and QR code are shown to the user exactly here; the server only persists
// the secret.
type TwoFactorSetup struct {
	Secret         string // base32 encoded secret
	OTPAuthURL     string // otpauth:// provisioning URI
	QRCode         string // data URL with a PNG rendering of the URI
	ManualEntryKey string // secret formatted for manual entry
}

// TwoFactorStatus summarizes the account's second-factor state. Backup codes
// are reported as a count only; the values are never retrievable after
// issuance.
type TwoFactorStatus struct {
	Enabled              bool
	SetupAt              *time.Time
	BackupCodesRemaining int
}
