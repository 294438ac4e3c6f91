//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/mcphub/mcp-hub/internal/gateway"
)

var _ = Describe("MCP Hub Happy Path", func() {
	var (
		server1ID string
		server2ID string
	)

	BeforeEach(func() {
		By("Registering both downstream servers through the admin API")
		server1ID = registerServer("e2e-server1", server1.URL)
		server2ID = registerServer("e2e-server2", server2.URL)
	})

	AfterEach(func() {
		for _, id := range []string{server1ID, server2ID} {
			req, err := http.NewRequest(http.MethodDelete, hub.URL+"/api/servers/"+id, nil)
			Expect(err).ToNot(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).ToNot(HaveOccurred())
			resp.Body.Close()
		}
	})

	It("should aggregate both servers behind one endpoint", func() {
		By("Listing tools for server1")
		resp := makeHubRPC(server1ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"params":  map[string]interface{}{},
			"id":      1,
		})
		Expect(resp).To(HaveKey("result"))
		names := listedToolNames(resp)
		Expect(names).To(ContainElements(
			"e2e-server1.echo", "e2e-server1.greet", "e2e-server1.time"))
		Expect(names).ToNot(ContainElement(ContainSubstring("e2e-server2.")))

		By("Listing tools for server2")
		resp = makeHubRPC(server2ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"params":  map[string]interface{}{},
			"id":      2,
		})
		Expect(listedToolNames(resp)).To(ContainElement("e2e-server2.echo"))

		By("Calling a tool through the hub")
		resp = makeHubRPC(server1ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/call",
			"params": map[string]interface{}{
				"name":      "e2e-server1.echo",
				"arguments": map[string]interface{}{"text": "round trip"},
			},
			"id": 3,
		})
		Expect(resp).ToNot(HaveKey("error"))
		Expect(firstContentText(resp)).To(Equal("round trip"))

		By("Checking the status endpoint reflects both servers")
		Eventually(func() int {
			status := getStatus()
			return int(status["totalServers"].(float64))
		}, 5*time.Second, 250*time.Millisecond).Should(Equal(2))
	})

	It("should frame hub failures as in-band JSON-RPC errors", func() {
		By("Omitting the server id header")
		resp := makeHubRPC("", map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"params":  map[string]interface{}{},
			"id":      1,
		})
		Expect(rpcErrorCode(resp)).To(Equal(gateway.CodeInvalidParams))

		By("Using an unknown server id")
		resp = makeHubRPC("no-such-server", map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"params":  map[string]interface{}{},
			"id":      2,
		})
		Expect(rpcErrorCode(resp)).To(Equal(gateway.CodeServerNotFound))

		By("Calling a tool that does not exist")
		resp = makeHubRPC(server1ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/call",
			"params": map[string]interface{}{
				"name":      "e2e-server1.bogus",
				"arguments": map[string]interface{}{},
			},
			"id": 3,
		})
		Expect(rpcErrorCode(resp)).To(Equal(gateway.CodeToolNotFound))
	})

	It("should survive downstream session expiry without surfacing an error", func() {
		By("Warming up the downstream session")
		resp := makeHubRPC(server1ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/call",
			"params": map[string]interface{}{
				"name":      "e2e-server1.echo",
				"arguments": map[string]interface{}{"text": "warm"},
			},
			"id": 1,
		})
		Expect(resp).ToNot(HaveKey("error"))

		sid, ok, err := sessions.Get(ctx, server1ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())

		By("Making the downstream server forget the session")
		forgetResp, err := http.Post(server1.URL+"/admin/forget", "text/plain", strings.NewReader(sid))
		Expect(err).ToNot(HaveOccurred())
		forgetResp.Body.Close()

		By("Calling again and expecting a transparent re-initialize")
		initsBefore := echo1.InitializeCount()
		resp = makeHubRPC(server1ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/call",
			"params": map[string]interface{}{
				"name":      "e2e-server1.echo",
				"arguments": map[string]interface{}{"text": "recovered"},
			},
			"id": 2,
		})
		Expect(resp).ToNot(HaveKey("error"))
		Expect(firstContentText(resp)).To(Equal("recovered"))
		Expect(echo1.InitializeCount()).To(BeNumerically(">", initsBefore))

		newSID, ok, err := sessions.Get(ctx, server1ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(newSID).ToNot(Equal(sid))
	})

	It("should stop routing to a deleted server", func() {
		By("Deleting server2")
		req, err := http.NewRequest(http.MethodDelete, hub.URL+"/api/servers/"+server2ID, nil)
		Expect(err).ToNot(HaveOccurred())
		delResp, err := http.DefaultClient.Do(req)
		Expect(err).ToNot(HaveOccurred())
		delResp.Body.Close()
		Expect(delResp.StatusCode).To(Equal(http.StatusNoContent))

		By("Verifying hub requests for it now fail with server-not-found")
		resp := makeHubRPC(server2ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"params":  map[string]interface{}{},
			"id":      1,
		})
		Expect(rpcErrorCode(resp)).To(Equal(gateway.CodeServerNotFound))

		By("Verifying server1 is unaffected")
		resp = makeHubRPC(server1ID, map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"params":  map[string]interface{}{},
			"id":      2,
		})
		Expect(listedToolNames(resp)).To(ContainElement("e2e-server1.echo"))
	})

	It("should hand out a usable client config blob", func() {
		resp, err := http.Get(hub.URL + "/api/servers/" + server1ID + "/mcp-config")
		Expect(err).ToNot(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var blob struct {
			McpServers map[string]struct {
				URL     string            `json:"url"`
				Headers map[string]string `json:"headers"`
			} `json:"mcpServers"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&blob)).To(Succeed())
		item, ok := blob.McpServers["e2e-server1"]
		Expect(ok).To(BeTrue())
		Expect(item.Headers[gateway.ServerIDHeader]).To(Equal(server1ID))

		By("Following the blob back through the hub")
		rpc := makeHubRPC(item.Headers[gateway.ServerIDHeader], map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"params":  map[string]interface{}{},
			"id":      1,
		})
		Expect(listedToolNames(rpc)).To(ContainElement("e2e-server1.echo"))
	})
})

// helper to register a server via the admin API, returning its id
func registerServer(name, baseURL string) string {
	payload, err := json.Marshal(map[string]interface{}{
		"name":         name,
		"base_url":     baseURL,
		"mcp_endpoint": "/mcp",
	})
	Expect(err).ToNot(HaveOccurred())

	resp, err := http.Post(hub.URL+"/api/servers", "application/json", bytes.NewReader(payload))
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusCreated))

	var rec struct {
		ID string `json:"id"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&rec)).To(Succeed())
	Expect(rec.ID).ToNot(BeEmpty())
	return rec.ID
}

// helper for making JSON-RPC requests against the hub MCP endpoint
func makeHubRPC(serverID string, payload map[string]interface{}) map[string]interface{} {
	jsonData, err := json.Marshal(payload)
	Expect(err).ToNot(HaveOccurred())

	req, err := http.NewRequest("POST", hub.URL+"/mcp/", bytes.NewBuffer(jsonData))
	Expect(err).ToNot(HaveOccurred())

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if serverID != "" {
		req.Header.Set(gateway.ServerIDHeader, serverID)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusOK))

	body, err := io.ReadAll(resp.Body)
	Expect(err).ToNot(HaveOccurred())

	// stateless sub-handlers may answer with an SSE-framed single event
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		var parts []string
		for _, line := range strings.Split(string(body), "\n") {
			if data, ok := strings.CutPrefix(line, "data:"); ok {
				parts = append(parts, strings.TrimPrefix(data, " "))
			}
		}
		body = []byte(strings.Join(parts, "\n"))
	}

	var result map[string]interface{}
	Expect(json.Unmarshal(body, &result)).To(Succeed(), "body: %s", string(body))
	return result
}

func getStatus() map[string]interface{} {
	resp, err := http.Get(hub.URL + "/status")
	Expect(err).ToNot(HaveOccurred())
	defer resp.Body.Close()

	var status map[string]interface{}
	Expect(json.NewDecoder(resp.Body).Decode(&status)).To(Succeed())
	return status
}

func listedToolNames(resp map[string]interface{}) []string {
	Expect(resp).To(HaveKey("result"), fmt.Sprintf("response: %v", resp))
	result := resp["result"].(map[string]interface{})
	Expect(result).To(HaveKey("tools"))
	toolsList := result["tools"].([]interface{})

	var names []string
	for _, tool := range toolsList {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	return names
}

func firstContentText(resp map[string]interface{}) string {
	Expect(resp).To(HaveKey("result"))
	result := resp["result"].(map[string]interface{})
	content := result["content"].([]interface{})
	Expect(content).ToNot(BeEmpty())
	return content[0].(map[string]interface{})["text"].(string)
}

func rpcErrorCode(resp map[string]interface{}) int {
	Expect(resp).To(HaveKey("error"), fmt.Sprintf("response: %v", resp))
	rpcErr := resp["error"].(map[string]interface{})
	return int(rpcErr["code"].(float64))
}
