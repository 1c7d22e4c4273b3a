package domain

// Scope identifies the tenant and clinic every read and write is confined to.
type Scope struct {
	TenantID string `json:"tenant_id"`
	ClinicID string `json:"clinic_id"`
}

func (s Scope) Validate() error {
	if s.TenantID == "" || s.ClinicID == "" {
		return ErrInvalidScope
	}
	return nil
}
