package domain

import (
	"time"

	"gorm.io/gorm"

	"github.com/JCLEE94/blacklist-sub007/internal/security"
)

// SourceConfig is one configured external feed. Credentials are an opaque
// blob owned by the source's adapter; they are encrypted before hitting the
// database and never leave this struct in plaintext through query handlers.
type SourceConfig struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Name        string `gorm:"size:64;uniqueIndex;not null"`
	DisplayName string `gorm:"size:128;not null;default:''"`
	Endpoint    string `gorm:"size:512;not null"`

	// Credentials is the decrypted blob, populated after load; only the
	// encrypted form is persisted.
	Credentials          string `gorm:"-" json:"-"`
	CredentialsEncrypted string `gorm:"column:credentials;type:text;default:''" json:"-"`

	Enabled bool `gorm:"not null;default:true"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (source *SourceConfig) BeforeSave(_ *gorm.DB) error {
	if source.Credentials == "" && source.CredentialsEncrypted != "" {
		plain, _, err := security.DecryptCredentialSecret(source.CredentialsEncrypted)
		if err != nil {
			return err
		}
		source.Credentials = plain
	}

	if source.Credentials == "" {
		source.CredentialsEncrypted = ""
		return nil
	}

	encrypted, err := security.EncryptCredentialSecret(source.Credentials)
	if err != nil {
		return err
	}
	source.CredentialsEncrypted = encrypted
	return nil
}

func (source *SourceConfig) AfterFind(_ *gorm.DB) error {
	plain, _, err := security.DecryptCredentialSecret(source.CredentialsEncrypted)
	if err != nil {
		return err
	}
	source.Credentials = plain
	return nil
}
