// LumiSync Database CLI Tool
// Provides command-line access to the edge controller database
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "lumisync-db",
		Short: "LumiSync Database CLI",
		Long:  "Command-line tool for inspecting the LumiSync edge controller database.",
	}

	kvCmd = &cobra.Command{
		Use:   "kv",
		Short: "List key-value state",
		RunE:  listKV,
	}

	sensorsCmd = &cobra.Command{
		Use:   "sensors [device-id]",
		Short: "Show sensor readings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showSensors,
	}

	commandsCmd = &cobra.Command{
		Use:   "commands [device-id]",
		Short: "Show the command audit trail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showCommands,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/lumisync/edge.db", "Database file path")

	sensorsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	commandsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(kvCmd)
	rootCmd.AddCommand(sensorsCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

func listKV(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query("SELECT key, value, updated_at FROM kv_store ORDER BY key")
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tUPDATED")
	fmt.Fprintln(w, "---\t-----\t-------")

	for rows.Next() {
		var key, value string
		var updatedAt time.Time
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", key, value, updatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return rows.Err()
}

func showSensors(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT device_id, illuminance, temperature, humidity, captured_at, synced_to_cloud
		FROM sensor_readings ORDER BY captured_at DESC LIMIT ?
	`
	queryArgs := []interface{}{limit}
	if len(args) > 0 {
		deviceID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid device id %q", args[0])
		}
		query = `
			SELECT device_id, illuminance, temperature, humidity, captured_at, synced_to_cloud
			FROM sensor_readings WHERE device_id = ? ORDER BY captured_at DESC LIMIT ?
		`
		queryArgs = []interface{}{deviceID, limit}
	}

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tLUX\tTEMP\tHUMIDITY\tCAPTURED\tSYNC")
	fmt.Fprintln(w, "------\t---\t----\t--------\t--------\t----")

	for rows.Next() {
		var deviceID, illuminance int
		var temperature, humidity float64
		var capturedAt time.Time
		var synced bool

		if err := rows.Scan(&deviceID, &illuminance, &temperature, &humidity, &capturedAt, &synced); err != nil {
			return err
		}

		syncStr := "N"
		if synced {
			syncStr = "Y"
		}

		fmt.Fprintf(w, "%d\t%d\t%.1fC\t%.0f%%\t%s\t%s\n",
			deviceID, illuminance, temperature, humidity,
			capturedAt.Format("01-02 15:04:05"), syncStr)
	}
	w.Flush()
	return rows.Err()
}

func showCommands(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := `
		SELECT device_id, command, position, priority, succeeded, attempts, timestamp
		FROM command_audit ORDER BY timestamp DESC LIMIT ?
	`
	queryArgs := []interface{}{limit}
	if len(args) > 0 {
		deviceID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid device id %q", args[0])
		}
		query = `
			SELECT device_id, command, position, priority, succeeded, attempts, timestamp
			FROM command_audit WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?
		`
		queryArgs = []interface{}{deviceID, limit}
	}

	rows, err := db.Query(query, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tCOMMAND\tPOS\tPRIORITY\tOK\tTRIES\tTIME")
	fmt.Fprintln(w, "------\t-------\t---\t--------\t--\t-----\t----")

	for rows.Next() {
		var deviceID, position, attempts int
		var command, priority string
		var succeeded bool
		var timestamp time.Time

		if err := rows.Scan(&deviceID, &command, &position, &priority, &succeeded, &attempts, &timestamp); err != nil {
			return err
		}

		okStr := "N"
		if succeeded {
			okStr = "Y"
		}

		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%d\t%s\n",
			deviceID, command, position, priority, okStr, attempts,
			timestamp.Format("01-02 15:04:05"))
	}
	w.Flush()
	return rows.Err()
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database Statistics")
	fmt.Println("===================")

	var kvCount int
	db.QueryRow("SELECT COUNT(*) FROM kv_store").Scan(&kvCount)
	fmt.Printf("Key-value entries: %d\n", kvCount)

	var sensorCount, unsyncedSensor int
	db.QueryRow("SELECT COUNT(*) FROM sensor_readings").Scan(&sensorCount)
	db.QueryRow("SELECT COUNT(*) FROM sensor_readings WHERE synced_to_cloud = 0").Scan(&unsyncedSensor)
	fmt.Printf("Sensor readings: %d (unsynced: %d)\n", sensorCount, unsyncedSensor)

	var commandCount, failedCount int
	db.QueryRow("SELECT COUNT(*) FROM command_audit").Scan(&commandCount)
	db.QueryRow("SELECT COUNT(*) FROM command_audit WHERE succeeded = 0").Scan(&failedCount)
	fmt.Printf("Commands dispatched: %d (failed: %d)\n", commandCount, failedCount)

	var deviceCount int
	db.QueryRow("SELECT COUNT(DISTINCT device_id) FROM sensor_readings").Scan(&deviceCount)
	fmt.Printf("Devices seen: %d\n", deviceCount)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return rows.Err()
}
