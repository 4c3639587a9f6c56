package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrConflict        ErrCode = "CONFLICT"
	ErrActionForbidden ErrCode = "ACTION_FORBIDDEN"

	// ─── Test sessions ─────────────────────────────────────────────────
	ErrSessionNotActive  ErrCode = "SESSION_NOT_ACTIVE"
	ErrSessionExists     ErrCode = "SESSION_ALREADY_EXISTS"
	ErrInvalidAccessCode ErrCode = "INVALID_ACCESS_CODE"
	ErrSectionNotDone    ErrCode = "SECTION_NOT_COMPLETED"
	ErrNotSessionOwner   ErrCode = "NOT_SESSION_OWNER"

	// ─── Storage ───────────────────────────────────────────────────────
	ErrStorageUnavailable ErrCode = "STORAGE_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenExpired:
		return "Token autentikasi telah kedaluwarsa."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrAdminAccessOnly:
		return "Sumber daya ini terbatas untuk administrator."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Permintaan bertentangan dengan status sumber daya saat ini."
	case ErrActionForbidden:
		return "Tindakan ini tidak diperbolehkan."

	// ─── Test sessions ─────────────────────────────────────────────────
	case ErrSessionNotActive:
		return "Sesi ujian tidak aktif atau waktu bagian telah habis."
	case ErrSessionExists:
		return "Anda sudah memulai ujian ini."
	case ErrInvalidAccessCode:
		return "Kode akses ujian tidak valid."
	case ErrSectionNotDone:
		return "Bagian saat ini belum diselesaikan."
	case ErrNotSessionOwner:
		return "Sesi ujian ini bukan milik Anda."

	// ─── Storage ───────────────────────────────────────────────────────
	case ErrStorageUnavailable:
		return "Penyimpanan sedang tidak tersedia. Jawaban Anda akan dicoba simpan ulang."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
