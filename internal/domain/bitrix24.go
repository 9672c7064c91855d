package domain

import "encoding/json"

// Bitrix24Webhook - конверт события Bitrix24
type Bitrix24Webhook struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Auth  *Bitrix24Auth   `json:"auth,omitempty"`
}

// Bitrix24Auth - авторизационный блок, который портал присылает вместе с событием
type Bitrix24Auth struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	Domain           string `json:"domain"`
	ApplicationToken string `json:"application_token"`
}

// События Bitrix24, которые обрабатывает движок
const (
	Bitrix24EventLeadUpdate    = "ONCRMLEADUPDATE"
	Bitrix24EventDealUpdate    = "ONCRMDEALUPDATE"
	Bitrix24EventContactUpdate = "ONCRMCONTACTUPDATE"
	Bitrix24EventConnectorAdd  = "ONIMCONNECTORMESSAGEADD"
	Bitrix24EventOpenLinesJoin = "ONIMOPENLINESJOIN"
	Bitrix24EventAppUninstall  = "ONAPPUNINSTALL"
)

// Bitrix24CRMData - полезная нагрузка событий ONCRM*UPDATE
type Bitrix24CRMData struct {
	Fields struct {
		ID       json.Number `json:"ID"`
		StatusID string      `json:"STATUS_ID"`
		StageID  string      `json:"STAGE_ID"`
	} `json:"FIELDS"`
}

// Bitrix24ConnectorData - полезная нагрузка ONIMCONNECTORMESSAGEADD
type Bitrix24ConnectorData struct {
	Connector string                     `json:"CONNECTOR"`
	Line      json.Number                `json:"LINE"`
	Messages  []Bitrix24ConnectorMessage `json:"MESSAGES"`
}

// Bitrix24ConnectorMessage - одно сообщение открытой линии
type Bitrix24ConnectorMessage struct {
	User struct {
		ID    json.Number `json:"id"`
		Name  string      `json:"name"`
		Phone string      `json:"phone"`
		Email string      `json:"email"`
	} `json:"user"`
	Chat struct {
		ID json.Number `json:"id"`
	} `json:"chat"`
	Message struct {
		ID    json.Number `json:"id"`
		Text  string      `json:"text"`
		Files []struct {
			Name string `json:"name"`
			Link string `json:"link"`
		} `json:"files"`
	} `json:"message"`
}

// Bitrix24Placement - запрос установки коннектора
// (PLACEMENT=SETTING_CONNECTOR, PLACEMENT_OPTIONS - JSON-строка)
type Bitrix24Placement struct {
	Placement string `json:"PLACEMENT" form:"PLACEMENT"`
	Options   string `json:"PLACEMENT_OPTIONS" form:"PLACEMENT_OPTIONS"`
}

// Bitrix24PlacementOptions - разобранные PLACEMENT_OPTIONS
type Bitrix24PlacementOptions struct {
	Line         json.Number `json:"LINE"`
	ActiveStatus json.Number `json:"ACTIVE_STATUS"`
	Connector    string      `json:"CONNECTOR"`
	ConnectorID  string      `json:"CONNECTOR_ID"`
}
