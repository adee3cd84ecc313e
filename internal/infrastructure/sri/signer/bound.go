package signer

// BoundSigner firma siempre con la credencial cargada al iniciar el proceso.
type BoundSigner struct {
	signer  *Signer
	cred    *Credential
	loadErr error
}

// Bind asocia la credencial al firmador.
func (s *Signer) Bind(cred *Credential) *BoundSigner {
	return &BoundSigner{signer: s, cred: cred}
}

// Unavailable firmador que falla siempre con err. Se usa cuando la credencial
// no pudo cargarse: cada venta registra el fallo en lugar de tumbar el proceso.
func Unavailable(err error) *BoundSigner {
	return &BoundSigner{signer: New(), loadErr: err}
}

func (b *BoundSigner) Sign(xml []byte) ([]byte, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return b.signer.Sign(xml, b.cred)
}

// Verify comprueba la firma de un documento propio.
func (b *BoundSigner) Verify(signed []byte) error {
	_, err := Verify(signed)
	return err
}
