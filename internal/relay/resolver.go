// Package relay — destination-address resolution.
package relay

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/taskhub/go-taskchat-backend/internal/domain"
)

// ErrAddressNotFound indicates that an identity has no relay address on
// record. Callers treat this as degraded delivery, not as a send failure.
var ErrAddressNotFound = errors.New("relay address not found")

// AddressResolver maps a principal identity to the relay chat id the
// fallback channel must address.
type AddressResolver interface {
	Resolve(ctx context.Context, phone string) (int64, error)
}

// DirectoryResolver resolves addresses from the telegram_links directory,
// which the relay bot populates out-of-band when a user first starts it.
type DirectoryResolver struct {
	DB *gorm.DB
}

// Resolve implements AddressResolver.
func (d *DirectoryResolver) Resolve(ctx context.Context, phone string) (int64, error) {
	var link domain.TelegramLink
	err := d.DB.WithContext(ctx).Where("phone = ?", phone).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrAddressNotFound
	}
	if err != nil {
		return 0, err
	}
	return link.ChatID, nil
}
