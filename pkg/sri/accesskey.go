package sri

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidAccessKey campos de entrada o clave con formato incorrecto.
var ErrInvalidAccessKey = errors.New("sri: clave de acceso inválida")

const (
	// AccessKeyLength longitud total de la clave de acceso.
	AccessKeyLength = 49
	// NonceMin y NonceMax delimitan el código numérico aleatorio (8 dígitos).
	NonceMin = 10000000
	NonceMax = 99999999
	// MaxSequential mayor secuencial representable en 9 dígitos.
	MaxSequential = 999999999
)

// factores módulo 11, aplicados de derecha a izquierda.
var mod11Factors = [6]int{2, 3, 4, 5, 6, 7}

// AccessKeyFields campos que componen la clave de acceso, en orden.
type AccessKeyFields struct {
	IssueDate     time.Time
	Kind          DocumentKind
	IssuerTaxID   string // RUC, 13 dígitos
	Environment   Environment
	Establishment string // 3 dígitos
	EmissionPoint string // 3 dígitos
	Sequential    string // 9 dígitos
	Nonce         int    // [10000000, 99999999]
	EmissionMode  string // "1" normal
}

// BuildAccessKey concatena los campos (48 dígitos) y añade el dígito verificador.
func BuildAccessKey(f AccessKeyFields) (string, error) {
	if f.IssueDate.IsZero() {
		return "", fmt.Errorf("%w: fecha de emisión vacía", ErrInvalidAccessKey)
	}
	if !f.Kind.Valid() {
		return "", fmt.Errorf("%w: tipo de comprobante %q", ErrInvalidAccessKey, f.Kind)
	}
	if err := digitsOfLen("ruc", f.IssuerTaxID, 13); err != nil {
		return "", err
	}
	if f.Environment != EnvTest && f.Environment != EnvProd {
		return "", fmt.Errorf("%w: ambiente %q", ErrInvalidAccessKey, f.Environment)
	}
	if err := digitsOfLen("establecimiento", f.Establishment, 3); err != nil {
		return "", err
	}
	if err := digitsOfLen("punto de emisión", f.EmissionPoint, 3); err != nil {
		return "", err
	}
	if err := digitsOfLen("secuencial", f.Sequential, 9); err != nil {
		return "", err
	}
	if f.Nonce < NonceMin || f.Nonce > NonceMax {
		return "", fmt.Errorf("%w: código numérico %d fuera de rango", ErrInvalidAccessKey, f.Nonce)
	}
	mode := f.EmissionMode
	if mode == "" {
		mode = EmissionModeNormal
	}
	if mode != EmissionModeNormal {
		return "", fmt.Errorf("%w: tipo de emisión %q", ErrInvalidAccessKey, mode)
	}

	var sb strings.Builder
	sb.Grow(AccessKeyLength)
	sb.WriteString(f.IssueDate.Format("02012006"))
	sb.WriteString(string(f.Kind))
	sb.WriteString(f.IssuerTaxID)
	sb.WriteString(f.Environment.Code())
	sb.WriteString(f.Establishment)
	sb.WriteString(f.EmissionPoint)
	sb.WriteString(f.Sequential)
	fmt.Fprintf(&sb, "%08d", f.Nonce)
	sb.WriteString(mode)

	prefix := sb.String()
	check, err := CheckDigit(prefix)
	if err != nil {
		return "", err
	}
	return prefix + string(rune('0'+check)), nil
}

// CheckDigit calcula el dígito verificador módulo 11 de los 48 dígitos:
// factores 2..7 de derecha a izquierda, 11 - (suma mod 11), con 11→0 y 10→1.
func CheckDigit(digits string) (int, error) {
	if len(digits) != AccessKeyLength-1 {
		return 0, fmt.Errorf("%w: se esperaban %d dígitos, se recibieron %d", ErrInvalidAccessKey, AccessKeyLength-1, len(digits))
	}
	sum := 0
	for i := 0; i < len(digits); i++ {
		c := digits[len(digits)-1-i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: carácter no numérico %q", ErrInvalidAccessKey, c)
		}
		sum += int(c-'0') * mod11Factors[i%len(mod11Factors)]
	}
	switch v := 11 - sum%11; v {
	case 11:
		return 0, nil
	case 10:
		return 1, nil
	default:
		return v, nil
	}
}

// ValidateAccessKey comprueba longitud, dígitos y dígito verificador.
func ValidateAccessKey(key string) error {
	if len(key) != AccessKeyLength {
		return fmt.Errorf("%w: longitud %d", ErrInvalidAccessKey, len(key))
	}
	check, err := CheckDigit(key[:AccessKeyLength-1])
	if err != nil {
		return err
	}
	if int(key[AccessKeyLength-1]-'0') != check {
		return fmt.Errorf("%w: dígito verificador esperado %d, recibido %c", ErrInvalidAccessKey, check, key[AccessKeyLength-1])
	}
	return nil
}

// ParseAccessKey descompone una clave válida en sus campos.
func ParseAccessKey(key string) (AccessKeyFields, error) {
	if err := ValidateAccessKey(key); err != nil {
		return AccessKeyFields{}, err
	}
	date, err := time.Parse("02012006", key[0:8])
	if err != nil {
		return AccessKeyFields{}, fmt.Errorf("%w: fecha %q", ErrInvalidAccessKey, key[0:8])
	}
	env := EnvTest
	if key[23] == '2' {
		env = EnvProd
	}
	var nonce int
	fmt.Sscanf(key[39:47], "%d", &nonce)
	return AccessKeyFields{
		IssueDate:     date,
		Kind:          DocumentKind(key[8:10]),
		IssuerTaxID:   key[10:23],
		Environment:   env,
		Establishment: key[24:27],
		EmissionPoint: key[27:30],
		Sequential:    key[30:39],
		Nonce:         nonce,
		EmissionMode:  key[47:48],
	}, nil
}

func digitsOfLen(field, s string, n int) error {
	if len(s) != n || !isDigits(s) {
		return fmt.Errorf("%w: %s debe tener %d dígitos, se recibió %q", ErrInvalidAccessKey, field, n, s)
	}
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
