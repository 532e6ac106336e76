package types

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchApplyMergeKeepsUnspecifiedFields(t *testing.T) {
	base := ViewRecord{
		URL:       "https://www.example.ca/product/1",
		PageType:  PageProduct,
		DomStatus: DomLoading,
		Retailer:  &Retailer{DomainKey: "example", Name: "Example"},
	}

	patch := Patch{DomStatus: DomStatusPtr(DomScraping)}
	out := patch.Apply(base, UpdateMerge)

	assert.Equal(t, DomScraping, out.DomStatus)
	assert.Equal(t, base.URL, out.URL)
	assert.Equal(t, base.PageType, out.PageType)
	require.NotNil(t, out.Retailer)
	assert.Equal(t, "example", out.Retailer.DomainKey)
}

func TestPatchApplyReplaceDiscardsBase(t *testing.T) {
	base := ViewRecord{URL: "https://old.example.ca", PageType: PageCart}
	patch := Patch{
		URL:       StrPtr("https://new.example.ca"),
		DomStatus: DomStatusPtr(DomNavigating),
	}

	out := patch.Apply(base, UpdateReplace)

	assert.Equal(t, "https://new.example.ca", out.URL)
	assert.Equal(t, DomNavigating, out.DomStatus)
	assert.Empty(t, out.PageType)
	assert.Nil(t, out.Retailer)
}

func TestPatchApplyClearsErrorCodeByOmission(t *testing.T) {
	base := ViewRecord{DomStatus: DomError, ErrorCode: ErrCodeAnalysisFailed}

	out := Patch{DomStatus: DomStatusPtr(DomLoading)}.Apply(base, UpdateMerge)
	assert.Empty(t, out.ErrorCode, "omitted errorCode must clear the stored one")

	out = Patch{
		DomStatus: DomStatusPtr(DomError),
		ErrorCode: StrPtr(ErrCodeLoadingTimeout),
	}.Apply(base, UpdateMerge)
	assert.Equal(t, ErrCodeLoadingTimeout, out.ErrorCode)
}

func TestPatchApplyForcesRefreshingOffOnTerminalStatus(t *testing.T) {
	base := ViewRecord{IsRefreshing: true}

	out := Patch{DomStatus: DomStatusPtr(DomLoaded)}.Apply(base, UpdateMerge)
	assert.False(t, out.IsRefreshing)

	out = Patch{DomStatus: DomStatusPtr(DomError)}.Apply(base, UpdateMerge)
	assert.False(t, out.IsRefreshing)

	out = Patch{DomStatus: DomStatusPtr(DomScraping)}.Apply(base, UpdateMerge)
	assert.True(t, out.IsRefreshing, "non-terminal status keeps the flag")
}

func TestRetailerPatchAcceptsObjectAndString(t *testing.T) {
	var p Patch
	err := json.Unmarshal([]byte(`{"retailer":{"domain_key":"acme","name":"Acme"}}`), &p)
	require.NoError(t, err)
	require.NotNil(t, p.Retailer)
	require.NotNil(t, p.Retailer.Value)
	assert.Equal(t, "acme", p.Retailer.Value.DomainKey)

	err = json.Unmarshal([]byte(`{"retailer":"{\"domain_key\":\"acme\",\"name\":\"Acme\"}"}`), &p)
	require.NoError(t, err)
	require.NotNil(t, p.Retailer.Value)
	assert.Equal(t, "Acme", p.Retailer.Value.Name)
}

func TestRetailerPatchNullsMalformedString(t *testing.T) {
	var p Patch
	err := json.Unmarshal([]byte(`{"retailer":"not json at all"}`), &p)
	require.NoError(t, err)
	require.NotNil(t, p.Retailer)
	assert.Nil(t, p.Retailer.Value, "unparseable retailer string stores nil, not garbage")
}

func TestCustomViewAndNeedsScrape(t *testing.T) {
	assert.True(t, PageProduct.NeedsScrape())
	assert.True(t, PageCart.NeedsScrape())
	assert.False(t, PageUnsupported.NeedsScrape())

	assert.True(t, PageBookmarks.CustomView())
	assert.True(t, PageSearchResults.CustomView())
	assert.False(t, PageProduct.CustomView())
}
