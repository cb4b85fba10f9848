package utils

import "golang.org/x/crypto/bcrypt"

func HashPassword(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

// HashPasswordString is HashPassword for callers storing the hash in a text column.
func HashPasswordString(s string) (string, error) {
	hashed, err := HashPassword(s)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func ComparePassword(hashed string, normal string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(normal))
}
