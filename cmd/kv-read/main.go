package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

type KVReader struct {
	db *badger.DB
}

func NewKVReader(dbPath string) (*KVReader, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.ReadOnly = true // Open in read-only mode

	// Try to open with read-only mode first
	db, err := badger.Open(opts)
	if err != nil {
		// If that fails, try without read-only mode (might be locked by another process)
		opts.ReadOnly = false
		db, err = badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger db: %w", err)
		}
	}

	return &KVReader{db: db}, nil
}

func (r *KVReader) Close() error {
	return r.db.Close()
}

// ListAllKeys lists all keys in the database
func (r *KVReader) ListAllKeys() error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // We only need keys

		it := txn.NewIterator(opts)
		defer it.Close()

		var keys []string
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			keys = append(keys, key)
		}

		sort.Strings(keys)

		fmt.Printf("Found %d keys in database:\n", len(keys))
		for i, key := range keys {
			fmt.Printf("%3d. %s\n", i+1, key)
		}

		return nil
	})
}

// GetValue retrieves and displays a specific key's value
func (r *KVReader) GetValue(key string) error {
	return r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return fmt.Errorf("key not found: %s", key)
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to copy value: %w", err)
		}

		fmt.Printf("Key: %s\n", key)
		fmt.Printf("Value (hex): %x\n", value)
		fmt.Printf("Value (string): %s\n", string(value))
		fmt.Printf("Size: %d bytes\n", len(value))

		// Try to parse as JSON if it looks like JSON
		if len(value) > 0 && (value[0] == '{' || value[0] == '[') {
			var prettyJSON interface{}
			if err := json.Unmarshal(value, &prettyJSON); err == nil {
				prettyBytes, _ := json.MarshalIndent(prettyJSON, "", "  ")
				fmt.Printf("Value (JSON):\n%s\n", string(prettyBytes))
			}
		}

		return nil
	})
}

// SearchKeys searches for keys matching a pattern
func (r *KVReader) SearchKeys(pattern string) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var matches []string
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if strings.Contains(key, pattern) {
				matches = append(matches, key)
			}
		}

		sort.Strings(matches)

		if len(matches) == 0 {
			fmt.Printf("No keys found matching pattern: %s\n", pattern)
			return nil
		}

		fmt.Printf("Found %d keys matching '%s':\n", len(matches), pattern)
		for i, key := range matches {
			fmt.Printf("%3d. %s\n", i+1, key)
		}

		return nil
	})
}

// listNamespace prints every key/value pair whose key contains the given
// namespace. Keys carry the configured store prefix in front, so matching
// on the namespace substring works for any deployment.
func (r *KVReader) listNamespace(label, namespace string) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		var entries []struct {
			Key   string
			Value string
		}

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			if strings.Contains(key, namespace) {
				value, err := item.ValueCopy(nil)
				if err != nil {
					continue
				}

				entries = append(entries, struct {
					Key   string
					Value string
				}{
					Key:   key,
					Value: string(value),
				})
			}
		}

		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Key < entries[j].Key
		})

		if len(entries) == 0 {
			fmt.Printf("No %s entries found\n", label)
			return nil
		}

		fmt.Printf("Found %d %s entries:\n", len(entries), label)
		for i, entry := range entries {
			fmt.Printf("%3d. %s = %s\n", i+1, entry.Key, entry.Value)
		}

		return nil
	})
}

// ListIntents lists intent records written by Initiate
func (r *KVReader) ListIntents() error {
	return r.listNamespace("intent", "ledger/intents/")
}

// ListSettlements lists settlement records keyed by fulfillment index
func (r *KVReader) ListSettlements() error {
	return r.listNamespace("settlement", "ledger/settlements/")
}

// ListFulfillments lists fulfillment records keyed by fulfillment index
func (r *KVReader) ListFulfillments() error {
	return r.listNamespace("fulfillment", "ledger/fulfillments/")
}

// ListBalances lists token book balances
func (r *KVReader) ListBalances() error {
	return r.listNamespace("balance", "balances/")
}

func main() {
	var (
		dbPath       = flag.String("db", "", "Path to Badger database directory (e.g. data/hub, data/alpha)")
		listKeys     = flag.Bool("list", false, "List all keys")
		getKey       = flag.String("get", "", "Get value for specific key")
		search       = flag.String("search", "", "Search keys containing pattern")
		intents      = flag.Bool("intents", false, "List intent records")
		settlements  = flag.Bool("settlements", false, "List settlement records")
		fulfillments = flag.Bool("fulfillments", false, "List fulfillment records")
		balances     = flag.Bool("balances", false, "List token balances")
	)
	flag.Parse()

	if *dbPath == "" {
		// Try to find the default database path
		defaultPaths := []string{
			"data/hub",
		}

		for _, path := range defaultPaths {
			if _, err := os.Stat(path); err == nil {
				*dbPath = path
				break
			}
		}

		if *dbPath == "" {
			log.Fatal(
				"Database path not specified. Use -db flag or ensure 'data' directory exists.",
			)
		}
	}

	// Ensure the path exists
	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Database path does not exist: %s", *dbPath)
	}

	reader, err := NewKVReader(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer reader.Close()

	fmt.Printf("Opened Badger database: %s\n\n", *dbPath)

	// Execute requested operations
	if *listKeys {
		if err := reader.ListAllKeys(); err != nil {
			log.Printf("Error listing keys: %v", err)
		}
	}

	if *getKey != "" {
		if err := reader.GetValue(*getKey); err != nil {
			log.Printf("Error getting value: %v", err)
		}
	}

	if *search != "" {
		if err := reader.SearchKeys(*search); err != nil {
			log.Printf("Error searching keys: %v", err)
		}
	}

	if *intents {
		if err := reader.ListIntents(); err != nil {
			log.Printf("Error listing intents: %v", err)
		}
	}

	if *settlements {
		if err := reader.ListSettlements(); err != nil {
			log.Printf("Error listing settlements: %v", err)
		}
	}

	if *fulfillments {
		if err := reader.ListFulfillments(); err != nil {
			log.Printf("Error listing fulfillments: %v", err)
		}
	}

	if *balances {
		if err := reader.ListBalances(); err != nil {
			log.Printf("Error listing balances: %v", err)
		}
	}

	// If no specific operation requested, show help
	if !*listKeys && *getKey == "" && *search == "" && !*intents && !*settlements && !*fulfillments && !*balances {
		fmt.Println("Usage examples:")
		fmt.Println("  ./kv-read -db data/alpha -intents      # List intent records")
		fmt.Println("  ./kv-read -db data/beta -settlements   # List settlement records")
		fmt.Println("  ./kv-read -db data/beta -fulfillments  # List fulfillment records")
		fmt.Println("  ./kv-read -db data/hub -balances       # List token balances")
		fmt.Println("  ./kv-read -db data/hub -search router  # Search for keys containing 'router'")
		fmt.Println("  ./kv-read -db data/hub -list           # List all keys")
	}
}
