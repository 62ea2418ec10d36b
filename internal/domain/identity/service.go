package identity

import (
	"context"
	"net/mail"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/rs/zerolog/log"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/apperr"
)

const defaultPhoneRegion = "US"

type Service struct {
	users       UserRepository
	doctors     DoctorRepository
	patients    PatientRepository
	tokens      *auth.Issuer
	revoker     auth.Revoker
	phoneRegion string
}

func NewService(users UserRepository, doctors DoctorRepository, patients PatientRepository, tokens *auth.Issuer, revoker auth.Revoker) *Service {
	return &Service{
		users:       users,
		doctors:     doctors,
		patients:    patients,
		tokens:      tokens,
		revoker:     revoker,
		phoneRegion: defaultPhoneRegion,
	}
}

// WithPhoneRegion sets the region used to parse phone numbers given without
// a leading +country code.
func (s *Service) WithPhoneRegion(region string) *Service {
	if region != "" {
		s.phoneRegion = strings.ToUpper(region)
	}
	return s
}

// -- Authentication --

// Register is the public sign-up path. It never creates admins.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	if in.Role != "" && auth.ValidRole(in.Role) && !auth.SelfRegisterable(in.Role) {
		return nil, apperr.Validation("role %s cannot be self-registered", in.Role)
	}
	return s.createUser(ctx, in)
}

// CreateAdmin creates an admin account. It is reached from the operator CLI
// only, never from an HTTP route.
func (s *Service) CreateAdmin(ctx context.Context, in RegisterInput) (*User, error) {
	in.Role = auth.RoleAdmin
	return s.createUser(ctx, in)
}

func (s *Service) createUser(ctx context.Context, in RegisterInput) (*User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return nil, apperr.Validation("full_name is required")
	}
	if len(in.Password) < auth.MinPasswordLength {
		return nil, apperr.Validation("password must be at least %d characters", auth.MinPasswordLength)
	}
	if in.Role == "" {
		return nil, apperr.Validation("role is required")
	}
	if !auth.ValidRole(in.Role) {
		return nil, apperr.Validation("invalid role: %s", in.Role)
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "password is not acceptable")
	}

	u := &User{
		Email:        email,
		FullName:     fullName,
		Role:         in.Role,
		IsActive:     true,
		PasswordHash: hash,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return nil, apperr.Wrap(apperr.KindConflict, err, "email is already registered")
		}
		return nil, err
	}
	log.Ctx(ctx).Info().Str("user_id", u.ID.String()).Str("role", u.Role).Msg("user registered")
	return u, nil
}

var (
	timingHashOnce sync.Once
	timingHash     string
)

// equalizeTiming runs a bcrypt comparison so that an unknown email costs the
// same as a wrong password.
func equalizeTiming(password string) {
	timingHashOnce.Do(func() {
		timingHash, _ = auth.HashPassword("clinic-timing-placeholder")
	})
	_, _ = auth.CheckPassword(timingHash, password)
}

func (s *Service) Login(ctx context.Context, in LoginInput) (*auth.TokenPair, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		return nil, apperr.Validation("email and password are required")
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			equalizeTiming(in.Password)
			return nil, apperr.Unauthorized("invalid credentials")
		}
		return nil, err
	}

	ok, err := auth.CheckPassword(u.PasswordHash, in.Password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Unauthorized("invalid credentials")
	}
	if !u.IsActive {
		log.Ctx(ctx).Warn().Str("user_id", u.ID.String()).Msg("login attempt on inactive account")
		return nil, apperr.Unauthorized("account is inactive")
	}

	return s.tokens.IssuePair(u.ID.String(), u.Role)
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed, so replaying it fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, apperr.Unauthorized("invalid refresh token")
	}

	first, err := s.revoker.Consume(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		return nil, err
	}
	if !first {
		log.Ctx(ctx).Warn().Str("user_id", claims.Subject).Str("jti", claims.ID).Msg("refresh token reuse")
		return nil, apperr.Unauthorized("refresh token has been revoked")
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperr.Unauthorized("invalid refresh token")
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Unauthorized("invalid refresh token")
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, apperr.Unauthorized("account is inactive")
	}

	return s.tokens.IssuePair(u.ID.String(), u.Role)
}

// Logout revokes a refresh token. Logging out twice is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return apperr.Unauthorized("invalid refresh token")
	}
	return s.revoker.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// -- Current user --

func (s *Service) Me(ctx context.Context, caller auth.Caller) (*User, error) {
	return s.users.GetByID(ctx, caller.ID)
}

func (s *Service) UpdateMe(ctx context.Context, caller auth.Caller, in UpdateMeInput) (*User, error) {
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return nil, apperr.Validation("full_name is required")
	}
	return s.users.UpdateName(ctx, caller.ID, fullName)
}

// -- Doctors --

func (s *Service) UpsertDoctorProfile(ctx context.Context, caller auth.Caller, in DoctorProfileInput) (*Doctor, error) {
	if !caller.Is(auth.RoleDoctor) {
		return nil, apperr.Forbidden("only doctors have a doctor profile")
	}
	specialty := strings.TrimSpace(in.Specialty)
	if specialty == "" {
		return nil, apperr.Validation("specialty is required")
	}
	p := &DoctorProfile{
		UserID:       caller.ID,
		Specialty:    specialty,
		Bio:          trimmedOrNil(in.Bio),
		Availability: in.Availability,
	}
	if err := s.doctors.Upsert(ctx, p); err != nil {
		return nil, err
	}
	return s.doctors.Get(ctx, caller.ID)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.Get(ctx, id)
}

func (s *Service) SearchDoctors(ctx context.Context, params DoctorSearch, limit, offset int) ([]*Doctor, int, error) {
	params.Specialty = strings.TrimSpace(params.Specialty)
	params.Query = strings.TrimSpace(params.Query)
	return s.doctors.Search(ctx, params, limit, offset)
}

// -- Patients --

func (s *Service) UpsertPatientProfile(ctx context.Context, caller auth.Caller, in PatientProfileInput) (*PatientProfile, error) {
	if !caller.Is(auth.RolePatient) {
		return nil, apperr.Forbidden("only patients have a patient profile")
	}
	p := &PatientProfile{
		UserID:      caller.ID,
		DateOfBirth: in.DateOfBirth,
		Gender:      trimmedOrNil(in.Gender),
		Address:     trimmedOrNil(in.Address),
	}
	if p.Gender != nil {
		g := strings.ToLower(*p.Gender)
		if !validGenders[g] {
			return nil, apperr.Validation("invalid gender: %s", *p.Gender)
		}
		p.Gender = &g
	}
	if phone := trimmedOrNil(in.PhoneNumber); phone != nil {
		e164, err := s.normalizePhone(*phone)
		if err != nil {
			return nil, err
		}
		p.PhoneNumber = &e164
	}
	if err := s.patients.Upsert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPatientProfile(ctx context.Context, caller auth.Caller) (*PatientProfile, error) {
	if !caller.Is(auth.RolePatient) {
		return nil, apperr.Forbidden("only patients have a patient profile")
	}
	return s.patients.Get(ctx, caller.ID)
}

func (s *Service) normalizePhone(raw string) (string, error) {
	num, err := phonenumbers.Parse(raw, s.phoneRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", apperr.Validation("invalid phone number: %s", raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// -- Admin --

func (s *Service) ListUsers(ctx context.Context, role string, limit, offset int) ([]*User, int, error) {
	if role != "" && !auth.ValidRole(role) {
		return nil, 0, apperr.Validation("invalid role: %s", role)
	}
	return s.users.List(ctx, role, limit, offset)
}

func (s *Service) SetUserActive(ctx context.Context, id uuid.UUID, active bool) (*User, error) {
	u, err := s.users.SetActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().Str("user_id", id.String()).Bool("active", active).Msg("user activation changed")
	return u, nil
}

// -- Directory --

// UserRole reports the role and active flag of a user. Other domains use it
// to check that a referenced user is a patient or an active doctor.
func (s *Service) UserRole(ctx context.Context, id uuid.UUID) (string, bool, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return "", false, err
	}
	return u.Role, u.IsActive, nil
}

// IsActive reports whether the user behind a token subject may still act.
// Unknown or malformed ids are inactive.
func (s *Service) IsActive(ctx context.Context, userID string) (bool, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return false, nil
	}
	_, active, err := s.UserRole(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	return active, err
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", apperr.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperr.Validation("invalid email address: %s", raw)
	}
	return email, nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
