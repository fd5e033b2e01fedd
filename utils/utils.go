package utils

import (
	"log"
	"os"
	"strings"
	"unicode"
)

func FileExist(filePath string) bool {
	var err error

	if _, err = os.Stat(filePath); os.IsNotExist(err) {
		return false
	}

	if err != nil {
		log.Panic(err)
	}

	return true
}

func CreateDirIfNotExist(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.Mkdir(dir, 0755)
		if err != nil {
			return err
		}
	}

	return nil
}

// DigitsOnly strips every non-digit rune from a phone number,
// e.g. "+1 (555) 010-2222" -> "15550102222".
func DigitsOnly(phoneNumber string) string {
	var sb strings.Builder
	for _, r := range phoneNumber {
		if unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}

	return sb.String()
}
