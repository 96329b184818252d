package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Settings holds the pipeline settings: thresholds, account names, geometry
// and column contracts. A Settings value is loaded once per run and passed
// by value into every component.
type Settings struct {
	General    GeneralSettings    `yaml:"general"`
	OCR        OCRSettings        `yaml:"ocr"`
	Gen        GenSettings        `yaml:"gen"`
	Account    AccountSettings    `yaml:"account"`
	BankImport BankImportSettings `yaml:"bankimport"`
	GnuCash    GnuCashSettings    `yaml:"gnucash"`
	Send       SendSettings       `yaml:"send"`
}

// GeneralSettings are shared by several stages.
type GeneralSettings struct {
	Currency                string          `yaml:"currency"`
	OurIBAN                 string          `yaml:"our_iban"`
	ProductMarginPercentage decimal.Decimal `yaml:"product_margin_percentage"`
	LiquidityThreshold      decimal.Decimal `yaml:"liquidity_threshold"`
	DateFormat              string          `yaml:"date_format"`
}

// OCRSettings describe the photographed sheet geometry and recognition policy.
// All coordinates are [x0, y0, x1, y1] fractions of the enclosing image.
type OCRSettings struct {
	SheetCoordinates     [][]float64 `yaml:"sheet_coordinates"`
	RotationAngle        float64     `yaml:"rotation_angle"`
	ExpectedAspectRatio  float64     `yaml:"expected_aspect_ratio"`
	AspectRatioTolerance float64     `yaml:"aspect_ratio_tolerance"`
	HeaderCoordinates    []float64   `yaml:"header_coordinates"`
	GridCoordinates      []float64   `yaml:"grid_coordinates"`
	Rows                 int         `yaml:"rows"`
	Cols                 int         `yaml:"cols"`
	ConfidenceFloor      float64     `yaml:"confidence_floor"`
	MaxCandidateDistance int         `yaml:"max_candidate_distance"`
	Workers              int         `yaml:"workers"`
	MaxRetries           int         `yaml:"max_retries"`
	InitialIntervalMs    int         `yaml:"initial_interval_ms"`
	MaxIntervalMs        int         `yaml:"max_interval_ms"`
}

// GenSettings mirror the sheet generation constraints the pipeline must honor.
type GenSettings struct {
	MaxNumSheetsPerProduct              int             `yaml:"max_num_sheets_per_product"`
	MaxNeglectablePriceChangePercentage decimal.Decimal `yaml:"max_neglectable_price_change_percentage"`
	BillTemplate                        string          `yaml:"bill_template"`
	// EmissionsTable is an optional YAML table of gCO2e factors.
	EmissionsTable                      string          `yaml:"emissions_table"`
}

// AccountSettings name the ledger accounts and transaction descriptions.
type AccountSettings struct {
	MerchandiseValue              string `yaml:"merchandise_value"`
	MerchandiseValueAccount       string `yaml:"merchandise_value_account"`
	Margin                        string `yaml:"margin"`
	MarginAccount                 string `yaml:"margin_account"`
	InventoryDifference           string `yaml:"inventory_difference"`
	InventoryDifferenceAccount    string `yaml:"inventory_difference_account"`
	Correction                    string `yaml:"correction"`
	CorrectionAccount             string `yaml:"correction_account"`
	MinNotableInventoryDifference int    `yaml:"min_notable_inventory_difference"`
}

// StatementLabels are the first-column labels of a bank statement's prefix rows.
type StatementLabels struct {
	DateFrom  string `yaml:"date_from"`
	DateTo    string `yaml:"date_to"`
	EntryType string `yaml:"entry_type"`
	Account   string `yaml:"account"`
	Currency  string `yaml:"currency"`
}

// BankImportSettings configure statement reading and payment posting.
type BankImportSettings struct {
	CheckingAccount   string          `yaml:"checking_account"`
	ExpectedEntryType string          `yaml:"expected_entry_type"`
	DateFormat        string          `yaml:"date_format"`
	Encoding          string          `yaml:"encoding"`
	MessagePrefix     string          `yaml:"message_prefix"`
	Labels            StatementLabels `yaml:"labels"`
}

// GnuCashSettings configure the accounts export.
type GnuCashSettings struct {
	AccountPrefix      string `yaml:"account_prefix"`
	AccountType        string `yaml:"account_type"`
	CommodityNamespace string `yaml:"commodity_namespace"`
}

// SendSettings configure bill email rendering.
type SendSettings struct {
	FromAddress            string `yaml:"from_address"`
	Subject                string `yaml:"subject"`
	TemplateAboveThreshold string `yaml:"template_above_threshold"`
	TemplateBelowThreshold string `yaml:"template_below_threshold"`
}

// DefaultSettings returns the settings used when the YAML file omits a value.
func DefaultSettings() Settings {
	return Settings{
		General: GeneralSettings{
			Currency:                "CHF",
			ProductMarginPercentage: decimal.RequireFromString("0.05"),
			LiquidityThreshold:      decimal.NewFromInt(-10),
			DateFormat:              "2006-01-02",
		},
		OCR: OCRSettings{
			SheetCoordinates: [][]float64{
				{0, 0, 0.5, 0.5},
				{0.5, 0, 1, 0.5},
				{0, 0.5, 0.5, 1},
				{0.5, 0.5, 1, 1},
			},
			ExpectedAspectRatio:  1 / 1.4142,
			AspectRatioTolerance: 0.15,
			HeaderCoordinates:    []float64{0.05, 0.02, 0.95, 0.12},
			GridCoordinates:      []float64{0.05, 0.15, 0.95, 0.97},
			Rows:                 15,
			Cols:                 5,
			ConfidenceFloor:      0.5,
			MaxCandidateDistance: 5,
			Workers:              8,
			MaxRetries:           3,
			InitialIntervalMs:    200,
			MaxIntervalMs:        2000,
		},
		Gen: GenSettings{
			MaxNumSheetsPerProduct:              10,
			MaxNeglectablePriceChangePercentage: decimal.NewFromInt(10),
		},
		Account: AccountSettings{
			MerchandiseValue:              "merchandise value",
			MerchandiseValueAccount:       "Assets:Merchandise",
			Margin:                        "margin",
			MarginAccount:                 "Income:Margin",
			InventoryDifference:           "inventory difference",
			InventoryDifferenceAccount:    "Expenses:Inventory Difference",
			Correction:                    "correction",
			CorrectionAccount:             "Expenses:Corrections",
			MinNotableInventoryDifference: 1,
		},
		BankImport: BankImportSettings{
			CheckingAccount:   "Assets:Checking Account",
			ExpectedEntryType: "Alle Buchungen",
			DateFormat:        "2006-01-02",
			Encoding:          "ISO-8859-1",
			MessagePrefix:     "MITTEILUNGEN:",
			Labels: StatementLabels{
				DateFrom:  "Datum von:",
				DateTo:    "Datum bis:",
				EntryType: "Buchungsart:",
				Account:   "Konto:",
				Currency:  "Währung:",
			},
		},
		GnuCash: GnuCashSettings{
			AccountPrefix:      "Liabilities:Members:",
			AccountType:        "LIABILITY",
			CommodityNamespace: "CURRENCY",
		},
		Send: SendSettings{
			Subject: "Your tagtrail bill",
		},
	}
}

// LoadSettings reads a YAML settings file on top of DefaultSettings and validates the result.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

// MemberAccount returns the ledger account of a member.
func (s Settings) MemberAccount(memberID string) string {
	return s.GnuCash.AccountPrefix + memberID
}

// Validate checks ranges and required values.
func (s Settings) Validate() error {
	var errs []error

	if s.General.Currency == "" {
		errs = append(errs, errors.New("general.currency is required"))
	}
	if s.General.OurIBAN == "" {
		errs = append(errs, errors.New("general.our_iban is required"))
	}
	if s.General.ProductMarginPercentage.IsNegative() {
		errs = append(errs, errors.New("general.product_margin_percentage must not be negative"))
	}

	if len(s.OCR.SheetCoordinates) != 4 {
		errs = append(errs, fmt.Errorf("ocr.sheet_coordinates must list 4 rectangles, got %d", len(s.OCR.SheetCoordinates)))
	}
	for i, rect := range s.OCR.SheetCoordinates {
		if err := validateRect(rect, true); err != nil {
			errs = append(errs, fmt.Errorf("ocr.sheet_coordinates[%d]: %w", i, err))
		}
	}
	if err := validateRect(s.OCR.HeaderCoordinates, false); err != nil {
		errs = append(errs, fmt.Errorf("ocr.header_coordinates: %w", err))
	}
	if err := validateRect(s.OCR.GridCoordinates, false); err != nil {
		errs = append(errs, fmt.Errorf("ocr.grid_coordinates: %w", err))
	}
	if s.OCR.Rows <= 0 || s.OCR.Cols <= 0 {
		errs = append(errs, errors.New("ocr.rows and ocr.cols must be positive"))
	}
	if s.OCR.ConfidenceFloor < 0 || s.OCR.ConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("ocr.confidence_floor must be in [0,1], got %v", s.OCR.ConfidenceFloor))
	}
	if s.OCR.ExpectedAspectRatio <= 0 || s.OCR.AspectRatioTolerance < 0 {
		errs = append(errs, errors.New("ocr.expected_aspect_ratio must be positive and ocr.aspect_ratio_tolerance not negative"))
	}
	if s.OCR.Workers <= 0 {
		errs = append(errs, errors.New("ocr.workers must be positive"))
	}
	if s.OCR.MaxRetries < 0 {
		errs = append(errs, errors.New("ocr.max_retries must not be negative"))
	}

	if s.Gen.MaxNumSheetsPerProduct <= 0 {
		errs = append(errs, errors.New("gen.max_num_sheets_per_product must be positive"))
	}
	if s.Gen.MaxNeglectablePriceChangePercentage.IsNegative() {
		errs = append(errs, errors.New("gen.max_neglectable_price_change_percentage must not be negative"))
	}

	for _, required := range [][2]string{
		{"account.merchandise_value_account", s.Account.MerchandiseValueAccount},
		{"account.margin_account", s.Account.MarginAccount},
		{"account.inventory_difference_account", s.Account.InventoryDifferenceAccount},
		{"account.correction_account", s.Account.CorrectionAccount},
		{"bankimport.checking_account", s.BankImport.CheckingAccount},
		{"gnucash.account_prefix", s.GnuCash.AccountPrefix},
	} {
		if required[1] == "" {
			errs = append(errs, fmt.Errorf("%s is required", required[0]))
		}
	}
	if s.Account.MinNotableInventoryDifference < 0 {
		errs = append(errs, errors.New("account.min_notable_inventory_difference must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

// validateRect checks a normalized [x0, y0, x1, y1] rectangle.
// A disabled rectangle (all zero) is accepted when allowEmpty is set.
func validateRect(rect []float64, allowEmpty bool) error {
	if len(rect) != 4 {
		return fmt.Errorf("expected 4 values, got %d", len(rect))
	}
	if allowEmpty && rect[0] == 0 && rect[1] == 0 && rect[2] == 0 && rect[3] == 0 {
		return nil
	}
	for _, v := range rect {
		if v < 0 || v > 1 {
			return fmt.Errorf("value %v out of [0,1]", v)
		}
	}
	if rect[0] >= rect[2] || rect[1] >= rect[3] {
		return fmt.Errorf("empty rectangle %v", rect)
	}
	return nil
}
