package model

import "strings"

// ConnectorType はコネクタの役割（ストレージ/ホスティング）を表す。
type ConnectorType string

const (
	ConnectorTypeStorage ConnectorType = "STORAGE"
	ConnectorTypeHosting ConnectorType = "HOSTING"
)

// ParseConnectorType は文字列をConnectorTypeに変換する。大文字小文字は区別しない。
func ParseConnectorType(s string) (ConnectorType, bool) {
	switch ConnectorType(strings.ToUpper(s)) {
	case ConnectorTypeStorage:
		return ConnectorTypeStorage, true
	case ConnectorTypeHosting:
		return ConnectorTypeHosting, true
	default:
		return "", false
	}
}

// ConnectorUser はコネクタにログインしているユーザーの情報。
type ConnectorUser struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	Storage string `json:"storage"`
}
