package sri

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrInvalidIdentification identificación que no cumple las reglas de su tipo.
var ErrInvalidIdentification = errors.New("sri: identificación inválida")

// coeficientes módulo 10 de la cédula, aplicados a los 9 primeros dígitos.
var cedulaCoefficients = [9]int{2, 1, 2, 1, 2, 1, 2, 1, 2}

// ValidateIdentification valida number según kind.
func ValidateIdentification(kind IDKind, number string) error {
	switch kind {
	case IDTaxID:
		return ValidateRUC(number)
	case IDNational:
		return ValidateCedula(number)
	case IDPassport:
		return ValidatePassport(number)
	case IDFinalConsumer:
		if number != FinalConsumerID {
			return fmt.Errorf("%w: consumidor final debe identificarse con %s, se recibió %q", ErrInvalidIdentification, FinalConsumerID, number)
		}
		return nil
	}
	return fmt.Errorf("%w: tipo de identificación desconocido %q", ErrInvalidIdentification, kind)
}

// ValidateCedula valida una cédula ecuatoriana de 10 dígitos (provincia + módulo 10).
func ValidateCedula(number string) error {
	if len(number) != 10 || !isDigits(number) {
		return fmt.Errorf("%w: la cédula debe tener 10 dígitos, se recibió %q", ErrInvalidIdentification, number)
	}
	if !validProvince(number[:2]) {
		return fmt.Errorf("%w: código de provincia %s", ErrInvalidIdentification, number[:2])
	}
	if number[2] >= '6' {
		return fmt.Errorf("%w: tercer dígito %c no corresponde a persona natural", ErrInvalidIdentification, number[2])
	}
	var sum int
	for i, c := range cedulaCoefficients {
		v := int(number[i]-'0') * c
		if v > 9 {
			v -= 9
		}
		sum += v
	}
	expected := (10 - sum%10) % 10
	if int(number[9]-'0') != expected {
		return fmt.Errorf("%w: dígito verificador de la cédula esperado %d, recibido %c", ErrInvalidIdentification, expected, number[9])
	}
	return nil
}

// ValidateRUC valida un RUC de 13 dígitos. Para personas naturales (tercer
// dígito < 6) los 10 primeros dígitos deben ser una cédula válida; para
// sociedades públicas (6) y privadas (9) solo se valida la estructura.
func ValidateRUC(number string) error {
	if len(number) != 13 || !isDigits(number) {
		return fmt.Errorf("%w: el RUC debe tener 13 dígitos, se recibió %q", ErrInvalidIdentification, number)
	}
	if !validProvince(number[:2]) {
		return fmt.Errorf("%w: código de provincia %s", ErrInvalidIdentification, number[:2])
	}
	if number[10:] == "000" {
		return fmt.Errorf("%w: el RUC debe terminar en un establecimiento distinto de 000", ErrInvalidIdentification)
	}
	switch third := number[2]; {
	case third < '6':
		return ValidateCedula(number[:10])
	case third == '6', third == '9':
		return nil
	default:
		return fmt.Errorf("%w: tercer dígito %c inválido", ErrInvalidIdentification, third)
	}
}

// ValidatePassport acepta de 3 a 20 caracteres alfanuméricos.
func ValidatePassport(number string) error {
	if len(number) < 3 || len(number) > 20 {
		return fmt.Errorf("%w: el pasaporte debe tener entre 3 y 20 caracteres", ErrInvalidIdentification)
	}
	for _, r := range number {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return fmt.Errorf("%w: carácter %q no permitido en pasaporte", ErrInvalidIdentification, r)
		}
	}
	return nil
}

// provincias 01-24 y 30 (ecuatorianos registrados en el exterior).
func validProvince(code string) bool {
	p := int(code[0]-'0')*10 + int(code[1]-'0')
	return (p >= 1 && p <= 24) || p == 30
}
