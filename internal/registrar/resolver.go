package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Resolver maps a source transaction to the depositor's ledger identity.
type Resolver interface {
	Resolve(ctx context.Context, sourceTxRef string) (common.Address, bool, error)
}

// HTTPResolver queries the beneficiary lookup service.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type beneficiaryResponse struct {
	Address string `json:"address"`
}

// Resolve returns false when the service has no beneficiary for the tx.
func (r *HTTPResolver) Resolve(ctx context.Context, sourceTxRef string) (common.Address, bool, error) {
	endpoint := r.baseURL + "/v1/beneficiaries/" + url.PathEscape(sourceTxRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return common.Address{}, false, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("lookup beneficiary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return common.Address{}, false, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return common.Address{}, false, fmt.Errorf("read beneficiary response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return common.Address{}, false, fmt.Errorf("lookup beneficiary: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out beneficiaryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return common.Address{}, false, fmt.Errorf("decode beneficiary response: %w", err)
	}
	if !common.IsHexAddress(out.Address) {
		return common.Address{}, false, fmt.Errorf("lookup returned invalid address %q", out.Address)
	}
	addr := common.HexToAddress(out.Address)
	if addr == (common.Address{}) {
		return common.Address{}, false, nil
	}
	return addr, true, nil
}
