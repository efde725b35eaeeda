package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ruteri/medvault-enclave/enclave"
	"github.com/ruteri/medvault-enclave/interfaces"
)

// RelayKeyLoad runs the host side of an enclave bootstrap: it asks the enclave for a key
// request, posts it to every key server and hands the responses back. Individual key server
// failures are logged; the enclave decides whether the remaining responses suffice.
func RelayKeyLoad(ctx context.Context, admin *EnclaveAdminClient, servers []interfaces.KeyServer, whitelist interfaces.WhitelistID, version uint64, log *slog.Logger) (*enclave.CompleteKeyLoadResponse, error) {
	encoded, err := admin.InitKeyLoad(ctx, whitelist, version)
	if err != nil {
		return nil, fmt.Errorf("init_key_load: %w", err)
	}
	req, err := enclave.DecodeKeyLoadRequest(encoded)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		responses []*interfaces.FetchKeyResponse
		errs      []error
	)
	for _, server := range servers {
		wg.Add(1)
		go func(server interfaces.KeyServer) {
			defer wg.Done()
			resp, err := server.FetchKey(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn("key server refused enclave key request", "node", server.ID(), "err", err)
				errs = append(errs, fmt.Errorf("%s: %w", server.ID(), err))
				return
			}
			responses = append(responses, resp)
		}(server)
	}
	wg.Wait()

	log.Info("relaying key server responses", "responses", len(responses), "failures", len(errs))
	done, err := admin.CompleteKeyLoad(ctx, responses)
	if err != nil {
		return nil, fmt.Errorf("complete_key_load: %w", errors.Join(append([]error{err}, errs...)...))
	}
	return done, nil
}
