package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080/api", "API base URL")
	apiKey := flag.String("key", "", "API key; a new client is registered when empty")
	numRequests := flag.Int("n", 1000, "number of drops to submit")
	concurrentWorkers := flag.Int("c", 50, "concurrent workers")
	players := flag.Int("players", 20, "distinct player ids")
	flag.Parse()

	if *apiKey == "" {
		key, err := register(*baseURL)
		if err != nil {
			log.Fatalf("register client: %v", err)
		}
		*apiKey = key
	}

	var successCount int64
	var errorCount int64
	var wg sync.WaitGroup

	startTime := time.Now()

	jobs := make(chan int, *numRequests)

	// start workers
	for w := 0; w < *concurrentWorkers; w++ {
		wg.Add(1)
		go worker(w, jobs, *baseURL, *apiKey, *players, &successCount, &errorCount, &wg)
	}

	// send jobs
	for j := 0; j < *numRequests; j++ {
		jobs <- j
	}
	close(jobs)

	wg.Wait()

	duration := time.Since(startTime)
	requestsPerSecond := float64(*numRequests) / duration.Seconds()

	fmt.Println("Load Test Results:")
	fmt.Println("==================")
	fmt.Printf("Total Drops: %d\n", *numRequests)
	fmt.Printf("Accepted: %d\n", successCount)
	fmt.Printf("Failed: %d\n", errorCount)
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Drops/sec: %.2f\n", requestsPerSecond)
	fmt.Printf("Success Rate: %.2f%%\n",
		float64(successCount)/float64(*numRequests)*100)
}

func register(baseURL string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"name":  "loadtest",
		"email": fmt.Sprintf("loadtest-%d@example.com", time.Now().UnixNano()),
	})
	resp, err := http.Post(baseURL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	var out struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.APIKey, nil
}

func worker(
	id int,
	jobs <-chan int,
	baseURL, apiKey string,
	players int,
	successCount, errorCount *int64,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	client := &http.Client{
		Timeout: 10 * time.Second,
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for range jobs {
		payload := map[string]interface{}{
			"item_id":   1 + rng.Intn(500),
			"player_id": 1 + rng.Intn(players),
			"npc_id":    1 + rng.Intn(50),
			"value":     rng.Intn(1_000_000),
			"quantity":  1 + rng.Intn(5),
		}

		jsonData, _ := json.Marshal(payload)

		req, err := http.NewRequest(http.MethodPost, baseURL+"/drops", bytes.NewBuffer(jsonData))
		if err != nil {
			atomic.AddInt64(errorCount, 1)
			continue
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			log.Printf("Worker %d error: %v\n", id, err)
			atomic.AddInt64(errorCount, 1)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			atomic.AddInt64(successCount, 1)
		} else {
			atomic.AddInt64(errorCount, 1)
		}
		resp.Body.Close()

		time.Sleep(10 * time.Millisecond)
	}
}
